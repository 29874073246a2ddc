package gateway

// SendTextRequest is the body of a text message request
type SendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// SendMediaRequest is the body of a media message request
type SendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
}

// MessageKey identifies a message accepted by the gateway
type MessageKey struct {
	ID        string `json:"id"`
	RemoteJID string `json:"remoteJid,omitempty"`
	FromMe    bool   `json:"fromMe"`
}

// SendResponse is returned by both send endpoints
type SendResponse struct {
	Key    MessageKey `json:"key"`
	Status string     `json:"status,omitempty"`
}

// ConnectionStateResponse describes the session state of an instance
type ConnectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"` // open, connecting, close
	} `json:"instance"`
}

// ErrorResponse represents an error payload from the gateway
type ErrorResponse struct {
	Status   int    `json:"status"`
	Error    string `json:"error"`
	Response struct {
		Message any `json:"message"`
	} `json:"response"`
}

// StateOpen is the connection state of a logged-in instance
const StateOpen = "open"
