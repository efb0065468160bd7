package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var versionSuffix = regexp.MustCompile(`/v\d+$`)

// ParseURL splits a user supplied URL into the API base URL and the
// documentation URL. A URL ending in /docs names the documentation and the
// API lives beside it; anything else is the API and its documentation is
// at <url>/docs. A /vN suffix is dropped from the base before a bare host
// gets /v1.
func ParseURL(raw string) (base, doc string, err error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("api url %q needs a scheme and a host", raw)
	}

	if strings.HasSuffix(raw, "/docs") {
		doc = raw
		base = strings.TrimSuffix(raw, "/docs")
	} else {
		base = raw
		doc = raw + "/docs"
	}

	base = versionSuffix.ReplaceAllString(base, "")
	bu, err := url.Parse(base)
	if err != nil {
		return "", "", fmt.Errorf("parse api url: %w", err)
	}
	if bu.Path == "" {
		base += "/v1"
	}
	return base, doc, nil
}
