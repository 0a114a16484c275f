package matrix

import (
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/mmrelay/mmrelay/internal/config"
)

func TestLocalpart(t *testing.T) {
	tests := []struct {
		userID id.UserID
		want   string
	}{
		{"@alice:example.org", "alice"},
		{"@bob:matrix.example.org", "bob"},
		{"@weird", "weird"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := Localpart(tt.userID); got != tt.want {
			t.Errorf("Localpart(%q) = %q, want %q", tt.userID, got, tt.want)
		}
	}
}

func TestAttributedBody(t *testing.T) {
	body, formatted := AttributedBody("[Alice/mesh]: ", "hello <world>")
	if body != "[Alice/mesh]: hello <world>" {
		t.Errorf("body = %q", body)
	}
	if formatted != "<strong>[Alice/mesh]:</strong> hello &lt;world&gt;" {
		t.Errorf("formatted = %q", formatted)
	}
}

func TestNewClientRequiresToken(t *testing.T) {
	cfg := config.MatrixConfig{Homeserver: "https://example.org"}

	if _, err := NewClient(cfg, &config.Credentials{
		Homeserver: "https://example.org",
		UserID:     "@bot:example.org",
	}); err == nil {
		t.Fatal("empty token should be rejected")
	}

	client, err := NewClient(cfg, &config.Credentials{
		Homeserver:  "https://example.org",
		UserID:      "@bot:example.org",
		AccessToken: "syt_secret",
		DeviceID:    "ABCDEF",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.Mautrix().UserID != "@bot:example.org" {
		t.Errorf("user id = %q", client.Mautrix().UserID)
	}
}

func TestNewClientFallsBackToConfigHomeserver(t *testing.T) {
	cfg := config.MatrixConfig{Homeserver: "https://config.example.org"}
	client, err := NewClient(cfg, &config.Credentials{
		UserID:      "@bot:example.org",
		AccessToken: "syt_secret",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.Mautrix().HomeserverURL.String() != "https://config.example.org" {
		t.Errorf("homeserver = %q", client.Mautrix().HomeserverURL.String())
	}
}
