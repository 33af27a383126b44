package blockpage

import (
	"net/http"
	"testing"
)

func TestDetect_TooManyRequests(t *testing.T) {
	detected, source := Detect(http.StatusTooManyRequests, http.Header{}, nil, nil)
	if !detected || source != "429" {
		t.Errorf("expected 429 detection, got %v %q", detected, source)
	}
}

func TestDetect_GoogleSorry(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		headers http.Header
		body    string
	}{
		{
			name:    "redirect to sorry",
			status:  http.StatusFound,
			headers: http.Header{"Location": {"https://www.google.com/sorry/index?continue=x"}},
		},
		{
			name:   "interstitial body",
			status: http.StatusOK,
			body:   `<html><body>Our systems have detected unusual traffic from your computer network.</body></html>`,
		},
		{
			name:   "sorry form action",
			status: http.StatusOK,
			body:   `<form action="/sorry/index" method="post"></form>`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			headers := tc.headers
			if headers == nil {
				headers = http.Header{}
			}
			detected, source := Detect(tc.status, headers, []byte(tc.body), nil)
			if !detected || source != "GoogleSorry" {
				t.Errorf("expected GoogleSorry detection, got %v %q", detected, source)
			}
		})
	}
}

func TestDetect_Cloudflare(t *testing.T) {
	headers := http.Header{"Server": {"cloudflare"}}
	detected, source := Detect(http.StatusForbidden, headers, nil, nil)
	if !detected || source != "Cloudflare" {
		t.Errorf("expected Cloudflare detection, got %v %q", detected, source)
	}

	// Body signature without the Server header
	body := []byte(`<html><title>Attention Required! | Cloudflare</title></html>`)
	detected, source = Detect(http.StatusServiceUnavailable, http.Header{}, body, nil)
	if !detected || source != "Cloudflare" {
		t.Errorf("expected Cloudflare body detection, got %v %q", detected, source)
	}
}

func TestDetect_CleanResponse(t *testing.T) {
	body := []byte(`<html><div id="search"><div class="g"></div></div></html>`)
	detected, source := Detect(http.StatusOK, http.Header{}, body, nil)
	if detected {
		t.Errorf("expected no detection for a clean page, got %q", source)
	}
}

func TestDetect_CustomDetectors(t *testing.T) {
	custom := []Detector{
		func(status int, headers http.Header, body []byte) (bool, string) {
			return status == 418, "Teapot"
		},
	}

	detected, source := Detect(418, http.Header{}, nil, custom)
	if !detected || source != "Teapot" {
		t.Errorf("expected custom detector to fire, got %v %q", detected, source)
	}

	// Custom list replaces the defaults entirely
	detected, _ = Detect(http.StatusTooManyRequests, http.Header{}, nil, custom)
	if detected {
		t.Errorf("default detectors should not run when a custom list is given")
	}
}
