package blockpage

import (
	"bytes"
	"net/http"
	"strings"
)

// Detector examines a response to determine whether the source served a
// rate-limit or captcha interstitial instead of real results.
type Detector func(statusCode int, headers http.Header, body []byte) (detected bool, source string)

// DefaultDetectors returns the standard list of block page detectors.
func DefaultDetectors() []Detector {
	return []Detector{
		detectTooManyRequests,
		detectGoogleSorry,
		detectCloudflare,
	}
}

// Detect runs the response through all provided detectors and reports the
// first match. A nil detector list falls back to DefaultDetectors.
func Detect(statusCode int, headers http.Header, body []byte, detectors []Detector) (bool, string) {
	if detectors == nil {
		detectors = DefaultDetectors()
	}
	for _, d := range detectors {
		if detected, source := d(statusCode, headers, body); detected {
			return true, source
		}
	}
	return false, ""
}

// detectTooManyRequests catches the explicit HTTP rate-limit signal.
func detectTooManyRequests(statusCode int, headers http.Header, body []byte) (bool, string) {
	if statusCode == http.StatusTooManyRequests {
		return true, "429"
	}
	return false, ""
}

// detectGoogleSorry looks for Google's "unusual traffic" captcha interstitial,
// which is served with a 200 or a redirect to /sorry/.
func detectGoogleSorry(statusCode int, headers http.Header, body []byte) (bool, string) {
	if loc := headers.Get("Location"); strings.Contains(loc, "/sorry/") {
		return true, "GoogleSorry"
	}

	if bytes.Contains(body, []byte("/sorry/index")) ||
		bytes.Contains(body, []byte("Our systems have detected unusual traffic")) {
		return true, "GoogleSorry"
	}

	return false, ""
}

// detectCloudflare looks for common Cloudflare challenge/block signatures.
func detectCloudflare(statusCode int, headers http.Header, body []byte) (bool, string) {
	if statusCode != http.StatusForbidden && statusCode != http.StatusServiceUnavailable {
		return false, ""
	}

	server := strings.ToLower(headers.Get("Server"))
	if strings.Contains(server, "cloudflare") {
		return true, "Cloudflare"
	}

	if bytes.Contains(body, []byte("cf-browser-verification")) ||
		bytes.Contains(body, []byte("cf-turnstile")) ||
		bytes.Contains(body, []byte("Attention Required! | Cloudflare")) {
		return true, "Cloudflare"
	}

	return false, ""
}
