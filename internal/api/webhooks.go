package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/foxzi/chatblast/internal/receipts"
)

// maxWebhookBody bounds the size of a gateway callback
const maxWebhookBody = 1 << 20

// ReceiptRequest is one delivery status report sent by the gateway
type ReceiptRequest struct {
	MessageID string     `json:"message_id"`
	Status    string     `json:"status"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// handleGatewayWebhook handles POST /webhooks/gateway. The body is a single
// receipt or an array of receipts; they are queued and recorded later.
func (s *Server) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	reqs, err := decodeReceipts(body)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	for _, req := range reqs {
		ts := now
		if req.Timestamp != nil {
			ts = req.Timestamp.UTC()
		}
		rec := &receipts.Receipt{
			MessageID:  req.MessageID,
			Status:     req.Status,
			Timestamp:  ts,
			ReceivedAt: now,
		}
		if err := s.deps.Receipts.Enqueue(r.Context(), rec); err != nil {
			s.logger.Error("failed to enqueue receipt", "message_id", req.MessageID, "error", err)
			s.sendError(w, http.StatusServiceUnavailable, "Failed to queue receipt")
			return
		}
	}

	s.logger.Debug("gateway receipts queued", "count", len(reqs))
	s.sendJSON(w, http.StatusAccepted, map[string]int{"accepted": len(reqs)})
}

func decodeReceipts(body []byte) ([]ReceiptRequest, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	var reqs []ReceiptRequest
	if body[0] == '[' {
		if err := json.Unmarshal(body, &reqs); err != nil {
			return nil, fmt.Errorf("invalid receipt batch")
		}
	} else {
		var req ReceiptRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("invalid receipt")
		}
		reqs = append(reqs, req)
	}

	if len(reqs) == 0 {
		return nil, fmt.Errorf("no receipts")
	}
	for i, req := range reqs {
		if req.MessageID == "" || req.Status == "" {
			return nil, fmt.Errorf("receipt %d: message_id and status are required", i)
		}
	}
	return reqs, nil
}

// handleDeadReceipts handles GET /api/v1/receipts/dead
func (s *Server) handleDeadReceipts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	dead, err := s.deps.Receipts.ListDLQ(r.Context(), limit)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	if dead == nil {
		dead = []*receipts.Receipt{}
	}
	s.sendJSON(w, http.StatusOK, dead)
}
