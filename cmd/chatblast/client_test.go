package main

import "testing"

func TestBaseURLFromListen(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://localhost:8080"},
		{"0.0.0.0:8080", "http://localhost:8080"},
		{"[::]:9000", "http://localhost:9000"},
		{"10.0.0.5:8080", "http://10.0.0.5:8080"},
		{"api.internal", "http://api.internal"},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := baseURLFromListen(tt.addr); got != tt.want {
				t.Errorf("baseURLFromListen(%q) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}

func TestNewAPIClientRequiresURL(t *testing.T) {
	t.Setenv("CHATBLAST_API_URL", "")
	t.Setenv("CHATBLAST_API_KEY", "")
	apiURL, apiKey, cfgFile = "", "", ""

	if _, err := newAPIClient(); err == nil {
		t.Error("newAPIClient() should fail without a URL")
	}

	apiURL = "http://localhost:8080"
	defer func() { apiURL = "" }()
	if _, err := newAPIClient(); err != nil {
		t.Errorf("newAPIClient() error = %v", err)
	}
}

func TestTruncateID(t *testing.T) {
	if got := truncateID("0123456789abcdef"); got != "01234567" {
		t.Errorf("truncateID() = %q", got)
	}
	if got := truncateID("abc"); got != "abc" {
		t.Errorf("truncateID() = %q", got)
	}
}
