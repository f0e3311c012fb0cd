package auth

import (
	"net/http/httptest"
	"testing"
)

func TestVerify(t *testing.T) {
	v := NewVerifier("service-secret")

	tests := []struct {
		name   string
		header string
		wantOK bool
	}{
		{"valid token", "Bearer service-secret", true},
		{"scheme is case insensitive", "bearer service-secret", true},
		{"wrong token", "Bearer other-secret", false},
		{"empty token", "Bearer ", false},
		{"missing header", "", false},
		{"no scheme", "service-secret", false},
		{"basic scheme", "Basic c2VydmljZQ==", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/analytics/widget-a", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			err := v.Verify(r)
			if tt.wantOK && err != nil {
				t.Errorf("Verify() = %v, want nil", err)
			}
			if !tt.wantOK && err == nil {
				t.Error("Verify() = nil, want error")
			}
		})
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Error("digest is not deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Error("distinct tokens share a digest")
	}
}
