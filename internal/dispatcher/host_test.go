package dispatcher

import "testing"

func TestExtractHost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rawURL   string
		expected string
	}{
		{"http://localhost:8080/webhook", "localhost:8080"},
		{"https://hooks.example.com/sapi/problems", "hooks.example.com"},
		{"http://api.example.com:3000/v1/events?key=123", "api.example.com:3000"},
		{"http://[::1]:9000/hook", "[::1]:9000"},
		{"://invalid", "://invalid"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := extractHost(tt.rawURL); got != tt.expected {
			t.Errorf("extractHost(%q) = %q, want %q", tt.rawURL, got, tt.expected)
		}
	}
}
