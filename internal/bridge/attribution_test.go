package bridge

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestPrefixRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		meshnet string
		text    string
	}{
		{"Alice", "default", "hello"},
		{"Remote One", "hilltop mesh", "status ok"},
		{"a/b weird name", "net", "slash in name"},
		{"Ünïcødé", "mesh", "héllo wörld"},
		{"x", "y", ""},
	}

	for _, tt := range tests {
		body := FormatPrefix(tt.name, tt.meshnet) + tt.text
		name, meshnet, rest, ok := ParsePrefix(body)
		if !ok {
			t.Errorf("ParsePrefix(%q) failed", body)
			continue
		}
		if name != tt.name || meshnet != tt.meshnet || rest != tt.text {
			t.Errorf("ParsePrefix(%q) = (%q, %q, %q)", body, name, meshnet, rest)
		}
	}
}

func TestParsePrefixRejectsPlainText(t *testing.T) {
	for _, text := range []string{
		"hello world",
		"[not a prefix",
		"[]: empty",
		"[noslash]: text",
		"[/net]: missing name",
		"[name/]: missing net",
	} {
		if _, _, _, ok := ParsePrefix(text); ok {
			t.Errorf("ParsePrefix(%q) should not match", text)
		}
	}
}

func TestTruncateBytes(t *testing.T) {
	if got := truncateBytes("short", 200); got != "short" {
		t.Errorf("under-limit text changed: %q", got)
	}

	long := strings.Repeat("a", 300)
	got := truncateBytes(long, 200)
	if len(got) != 200 {
		t.Errorf("len = %d, want 200", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("missing ellipsis: %q", got[190:])
	}
}

func TestTruncateBytesKeepsUTF8Valid(t *testing.T) {
	long := strings.Repeat("héllo wörld ", 30)
	for max := 10; max <= 50; max++ {
		got := truncateBytes(long, max)
		if len(got) > max {
			t.Fatalf("max=%d: len=%d", max, len(got))
		}
		if !utf8.ValidString(got) {
			t.Fatalf("max=%d: invalid UTF-8 %q", max, got)
		}
	}
}
