package bridge

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Relayed messages carry a "[<name>/<meshnet>]: " prefix so readers on
// either side can see who said it and which mesh it came from. ParsePrefix
// is the exact inverse of FormatPrefix for any meshnet name the config
// validator accepts (no "/" or "]").

// FormatPrefix renders the attribution prefix.
func FormatPrefix(name, meshnet string) string {
	return fmt.Sprintf("[%s/%s]: ", name, meshnet)
}

// FormatSenderPrefix renders the compact attribution used for mesh-bound
// text: "[<name>]: ". Only the mesh→Matrix direction carries the meshnet
// tag, which remote relays need for loop detection.
func FormatSenderPrefix(name string) string {
	return fmt.Sprintf("[%s]: ", name)
}

// ParsePrefix splits an attributed message back into its parts. ok is
// false when the text does not carry a prefix. The sender name may itself
// contain "/", so the meshnet is taken from the last slash inside the
// brackets.
func ParsePrefix(text string) (name, meshnet, rest string, ok bool) {
	if !strings.HasPrefix(text, "[") {
		return "", "", "", false
	}
	end := strings.Index(text, "]: ")
	if end < 0 {
		return "", "", "", false
	}

	inside := text[1:end]
	slash := strings.LastIndex(inside, "/")
	if slash <= 0 || slash == len(inside)-1 {
		return "", "", "", false
	}

	return inside[:slash], inside[slash+1:], text[end+3:], true
}

// truncateBytes shortens s to at most max bytes without splitting a UTF-8
// sequence, appending "..." when anything was cut.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}

	const ellipsis = "..."
	cut := max - len(ellipsis)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
