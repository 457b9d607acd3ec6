// Package urlx extracts and classifies domains from candidate navigation
// URLs. Extraction never fails: malformed input yields a bounded fallback so
// the rest of the pipeline always has a usable partition key.
package urlx

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// maxFallbackLen bounds the fallback string derived from unparseable input.
const maxFallbackLen = 64

// internalSchemes are browser-internal URL schemes that are never tracked.
var internalSchemes = []string{
	"chrome:",
	"chrome-extension:",
	"chrome-search:",
	"edge:",
	"about:",
	"devtools:",
	"view-source:",
	"file:",
	"data:",
	"javascript:",
	"blob:",
}

// Trackable reports whether raw is a URL worth tracking. Browser-internal
// pages, local files and empty strings are rejected before any extraction
// or network call happens.
func Trackable(raw string) bool {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return false
	}
	for _, scheme := range internalSchemes {
		if strings.HasPrefix(s, scheme) {
			return false
		}
	}
	return true
}

// Domain returns the hostname of raw. On parse failure it returns a
// bounded-length fallback derived from the raw string, never an error and
// never empty for non-empty input.
func Domain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return fallback(raw)
}

func fallback(raw string) string {
	// Strip an obvious scheme prefix so "https://%%%" degrades to "%%%",
	// then bound the length.
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
	}
	if i := strings.IndexAny(raw, "/?#"); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		raw = "unknown"
	}
	if len(raw) > maxFallbackLen {
		raw = raw[:maxFallbackLen]
	}
	return raw
}

// Registrable returns the eTLD+1 for host ("news.bbc.co.uk" → "bbc.co.uk").
// Hosts without a registrable suffix (IPs, localhost, fallbacks) are
// returned unchanged so aggregation still has a stable key.
func Registrable(host string) string {
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// FaviconURL derives the conventional favicon location for raw. Empty when
// raw has no usable scheme+host.
func FaviconURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/favicon.ico"
}
