// Package gateway talks to the messaging gateway that owns the sending
// instances.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sender delivers messages through a named instance and returns the
// gateway message id
type Sender interface {
	SendText(ctx context.Context, instance, phone, text string) (string, error)
	SendMedia(ctx context.Context, instance, phone, mediaURL, mediaType, caption string) (string, error)
}

// Error is a non-2xx answer from the gateway
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway: HTTP %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether repeating the request may succeed
func (e *Error) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// IsPermanent reports whether err is a gateway rejection that will not
// change on retry
func IsPermanent(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && !gwErr.Temporary()
}

// Client is a messaging gateway API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new gateway client
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// request performs an HTTP request to the gateway
func (c *Client) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		gwErr := &Error{StatusCode: resp.StatusCode}
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			gwErr.Message = errorMessage(&errResp)
		}
		return gwErr
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func errorMessage(r *ErrorResponse) string {
	switch m := r.Response.Message.(type) {
	case string:
		return m
	case []any:
		parts := make([]string, 0, len(m))
		for _, p := range m {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, "; ")
	}
	return r.Error
}

// SendText sends a text message
func (c *Client) SendText(ctx context.Context, instance, phone, text string) (string, error) {
	var resp SendResponse
	err := c.request(ctx, http.MethodPost, "/message/sendText/"+url.PathEscape(instance),
		&SendTextRequest{Number: phone, Text: text}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Key.ID == "" {
		return "", fmt.Errorf("gateway returned no message id")
	}
	return resp.Key.ID, nil
}

// SendMedia sends a media message with an optional caption
func (c *Client) SendMedia(ctx context.Context, instance, phone, mediaURL, mediaType, caption string) (string, error) {
	if mediaType == "" {
		mediaType = "image"
	}
	var resp SendResponse
	err := c.request(ctx, http.MethodPost, "/message/sendMedia/"+url.PathEscape(instance),
		&SendMediaRequest{Number: phone, MediaType: mediaType, Media: mediaURL, Caption: caption}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Key.ID == "" {
		return "", fmt.Errorf("gateway returned no message id")
	}
	return resp.Key.ID, nil
}

// ConnectionState returns the session state of an instance
func (c *Client) ConnectionState(ctx context.Context, instance string) (string, error) {
	var resp ConnectionStateResponse
	if err := c.request(ctx, http.MethodGet, "/instance/connectionState/"+url.PathEscape(instance), nil, &resp); err != nil {
		return "", err
	}
	return resp.Instance.State, nil
}
