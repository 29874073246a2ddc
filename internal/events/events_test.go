package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
)

func TestEncodeFillsDefaults(t *testing.T) {
	e := Event{Type: CampaignCompleted, CampaignID: "c1", Data: map[string]any{"sent": 3}}
	body, err := encode(&e)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if e.ID == "" || e.OccurredAt.IsZero() {
		t.Errorf("defaults not filled: %+v", e)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if decoded["type"] != CampaignCompleted || decoded["campaign_id"] != "c1" {
		t.Errorf("unexpected payload %s", body)
	}
	if _, ok := decoded["lead_id"]; ok {
		t.Error("empty lead_id must be omitted")
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), Event{Type: LeadFailed}); err != nil {
		t.Errorf("Publish() = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestNewAMQPPublisher_BadURL(t *testing.T) {
	_, err := NewAMQPPublisher("not-an-amqp-url", "chatblast.events", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("expected error for invalid url")
	}
}
