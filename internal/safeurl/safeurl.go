package safeurl

import "net/url"

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes that could lead to SSRF or local file access.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := parsed.Scheme
	return s == "http" || s == "https"
}

// IsStreamScheme returns true if u parses with scheme http, https, rtmp, or
// rtmps — the set a profile URL transformation is allowed to produce
// (spec's URL-transformation rule rejects any other result).
func IsStreamScheme(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "http", "https", "rtmp", "rtmps":
		return true
	default:
		return false
	}
}
