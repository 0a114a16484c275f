// Package version carries the build-time version stamp and the optional
// GitHub release check shown at startup.
package version

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Version is the semver tag, set via -ldflags at release build time.
// Unstamped builds report "dev" and skip the release check.
var Version = "dev"

// releaseURL is swapped out by tests.
var releaseURL = "https://api.github.com/repos/mmrelay/mmrelay/releases/latest"

// IsDev reports whether the binary was built without a version stamp.
func IsDev() bool {
	return Version == "dev" || Version == ""
}

// CheckResult is the outcome of a release check.
type CheckResult struct {
	Current   string
	Latest    string
	UpdateURL string
	Outdated  bool
}

// Check fetches the latest published release and compares it against the
// running Version. Dev builds return (nil, nil) without a network call.
func Check() (*CheckResult, error) {
	if IsDev() {
		return nil, nil
	}

	client := &http.Client{Timeout: 4 * time.Second}
	req, err := http.NewRequest(http.MethodGet, releaseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release check: github returned status %d", resp.StatusCode)
	}

	var release struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("release check: decode response: %w", err)
	}

	return &CheckResult{
		Current:   Version,
		Latest:    release.TagName,
		UpdateURL: release.HTMLURL,
		Outdated:  newer(Version, release.TagName),
	}, nil
}

// FormatUpdateNotice renders a one-shot upgrade hint, or "" when the
// running build is current.
func FormatUpdateNotice(r *CheckResult) string {
	if r == nil || !r.Outdated {
		return ""
	}
	return fmt.Sprintf("mmrelay %s is available (running %s): %s", r.Latest, r.Current, r.UpdateURL)
}

// newer reports whether latest is a strictly newer release than current.
// Values that are not major.minor.patch triples compare as not newer.
func newer(current, latest string) bool {
	c, l := semver(current), semver(latest)
	if c == nil || l == nil {
		return false
	}
	for i := range c {
		if l[i] != c[i] {
			return l[i] > c[i]
		}
	}
	return false
}

// semver parses "1.2.3" (an optional leading "v" is ignored) into its
// three numeric parts, or nil.
func semver(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return nil
	}

	out := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil
		}
		out[i] = n
	}
	return out
}
