package version

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsDev(t *testing.T) {
	defer func() { Version = "dev" }()

	tests := []struct {
		version string
		want    bool
	}{
		{"dev", true},
		{"", true},
		{"v0.1.0", false},
		{"0.1.0", false},
	}
	for _, tt := range tests {
		Version = tt.version
		if got := IsDev(); got != tt.want {
			t.Errorf("IsDev() with Version=%q = %v, want %v", tt.version, got, tt.want)
		}
	}
}

func TestNewer(t *testing.T) {
	tests := []struct {
		current string
		latest  string
		want    bool
	}{
		{"v0.1.0", "v0.2.0", true},
		{"v0.2.0", "v0.1.0", false},
		{"v0.1.0", "v0.1.0", false},
		{"v0.9.0", "v0.10.0", true},
		{"v1.0.0", "v1.0.1", true},
		{"v1.9.9", "v2.0.0", true},
		{"v1.0.0", "v0.9.9", false},
		{" v0.1.0 ", "v0.1.1", true},
		{"0.1.0", "v0.1.1", true},
		{"", "v0.1.0", false},
		{"v0.1.0", "", false},
		{"v1.2", "v1.3", false},
		{"v1.2.beta", "v1.3.0", false},
	}
	for _, tt := range tests {
		if got := newer(tt.current, tt.latest); got != tt.want {
			t.Errorf("newer(%q, %q) = %v, want %v", tt.current, tt.latest, got, tt.want)
		}
	}
}

func TestCheckSkipsDevBuilds(t *testing.T) {
	Version = "dev"
	result, err := Check()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("dev build should skip the check, got %+v", result)
	}
}

func TestCheckAgainstRelease(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"tag_name": "v0.5.0", "html_url": "https://example.org/v0.5.0"}`)
	}))
	defer server.Close()

	oldURL, oldVersion := releaseURL, Version
	defer func() { releaseURL, Version = oldURL, oldVersion }()
	releaseURL = server.URL

	Version = "v0.4.0"
	result, err := Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.Outdated || result.Latest != "v0.5.0" || result.UpdateURL != "https://example.org/v0.5.0" {
		t.Errorf("result = %+v", result)
	}

	Version = "v0.5.0"
	result, err = Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Outdated {
		t.Errorf("same version reported outdated: %+v", result)
	}
}

func TestCheckServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	oldURL, oldVersion := releaseURL, Version
	defer func() { releaseURL, Version = oldURL, oldVersion }()
	releaseURL = server.URL
	Version = "v0.4.0"

	if _, err := Check(); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}

func TestFormatUpdateNotice(t *testing.T) {
	if got := FormatUpdateNotice(nil); got != "" {
		t.Errorf("nil result: %q", got)
	}

	current := &CheckResult{Current: "v0.1.0", Latest: "v0.1.0"}
	if got := FormatUpdateNotice(current); got != "" {
		t.Errorf("up-to-date result: %q", got)
	}

	outdated := &CheckResult{
		Current:   "v0.1.0",
		Latest:    "v0.2.0",
		UpdateURL: "https://example.org/v0.2.0",
		Outdated:  true,
	}
	notice := FormatUpdateNotice(outdated)
	for _, want := range []string{"v0.1.0", "v0.2.0", "https://example.org/v0.2.0"} {
		if !strings.Contains(notice, want) {
			t.Errorf("notice missing %q: %q", want, notice)
		}
	}
}
