package source

import (
	"net/http"
	"strings"
)

// blockKind describes anti-bot protection found on a response.
type blockKind string

const (
	blockNone       blockKind = ""
	blockCloudflare blockKind = "cloudflare"
	blockCaptcha    blockKind = "captcha"
)

// detectBlock checks a response for challenge pages. A blocked page is a
// permanent failure for this run; retrying will not get past it.
func detectBlock(resp *http.Response, body []byte) (bool, blockKind) {
	if resp == nil {
		return false, blockNone
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" || strings.EqualFold(resp.Header.Get("Server"), "cloudflare") {
			return true, blockCloudflare
		}
	}

	lower := strings.ToLower(string(body))
	if strings.Contains(lower, "checking your browser") || strings.Contains(lower, "cf-browser-verification") {
		return true, blockCloudflare
	}
	if strings.Contains(lower, "g-recaptcha") || strings.Contains(lower, "h-captcha") {
		return true, blockCaptcha
	}
	return false, blockNone
}
