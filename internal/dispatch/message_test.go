package dispatch

import (
	"math/rand"
	"testing"

	"github.com/foxzi/chatblast/internal/models"
)

func newTestRand() *rand.Rand {
	return rand.New(rand.NewSource(1))
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		valid bool
	}{
		{"+55 (11) 99999-0000", "5511999990000", true},
		{"5511999990000", "5511999990000", true},
		{"12345678", "12345678", true},
		{"1234567", "1234567", false},
		{"1234567890123456", "1234567890123456", false},
		{"", "", false},
		{"abc", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := normalizePhone(tt.in)
			if got != tt.want || ok != tt.valid {
				t.Errorf("normalizePhone(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.valid)
			}
		})
	}
}

func TestRenderTemplate(t *testing.T) {
	vars := map[string]string{"name": "Ana", "phone": "5511999990000"}

	tests := []struct {
		template string
		want     string
	}{
		{"Hello {{name}}!", "Hello Ana!"},
		{"Hello {{ name }}, we will call {{phone}}", "Hello Ana, we will call 5511999990000"},
		{"Code {{coupon}}", "Code {{coupon}}"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := renderTemplate(tt.template, vars); got != tt.want {
			t.Errorf("renderTemplate(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestValidateLead(t *testing.T) {
	lead := &models.Lead{Phone: "5511999990000"}

	if reason := validateLead(&models.Campaign{Message: "hi"}, lead); reason != "" {
		t.Errorf("expected valid lead, got %q", reason)
	}
	if reason := validateLead(&models.Campaign{}, lead); reason == "" {
		t.Error("expected campaign without content to be rejected")
	}
	if reason := validateLead(&models.Campaign{Message: "hi"}, &models.Lead{Phone: "123"}); reason != "invalid phone number" {
		t.Errorf("expected invalid phone number, got %q", reason)
	}
}
