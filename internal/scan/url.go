package scan

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

var trackingParams = map[string]struct{}{
	"gclid":   {},
	"fbclid":  {},
	"msclkid": {},
}

var assetExtensions = map[string]struct{}{
	".7z": {}, ".avi": {}, ".bmp": {}, ".css": {}, ".csv": {}, ".doc": {}, ".docx": {},
	".eot": {}, ".gif": {}, ".gz": {}, ".ico": {}, ".jpeg": {}, ".jpg": {}, ".js": {},
	".json": {}, ".mov": {}, ".mp3": {}, ".mp4": {}, ".pdf": {}, ".png": {}, ".ppt": {},
	".rar": {}, ".svg": {}, ".tar": {}, ".tgz": {}, ".ttf": {}, ".wav": {}, ".webm": {},
	".webp": {}, ".woff": {}, ".woff2": {}, ".xls": {}, ".xlsx": {}, ".xml": {}, ".zip": {},
}

// NormalizeURL standardizes a URL so trivial variants dedupe.
// It lowercases the scheme and host, removes default ports, drops the fragment and
// tracking parameters, sorts the remaining query and trims a trailing slash.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if _, drop := trackingParams[lower]; drop || strings.HasPrefix(lower, "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	switch {
	case u.Path == "":
		u.Path = "/"
	case u.Path != "/":
		u.Path = strings.TrimRight(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
	}
	u.RawPath = ""

	return u.String(), nil
}

// ParseTarget validates a client supplied URL. A missing scheme defaults to https.
func ParseTarget(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", &ValidationError{Field: "url", Reason: "is required"}
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", &ValidationError{Field: "url", Reason: "is not a valid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &ValidationError{Field: "url", Reason: fmt.Sprintf("scheme %q must be http or https", u.Scheme)}
	}
	if u.Hostname() == "" {
		return "", &ValidationError{Field: "url", Reason: "is missing a host"}
	}
	normalized, err := NormalizeURL(u.String())
	if err != nil {
		return "", &ValidationError{Field: "url", Reason: err.Error()}
	}
	return normalized, nil
}

// SameOrigin reports whether candidate has exactly base's scheme and host.
func SameOrigin(base, candidate *url.URL) bool {
	if base == nil || candidate == nil {
		return false
	}
	return strings.EqualFold(base.Scheme, candidate.Scheme) && strings.EqualFold(base.Host, candidate.Host)
}

// IsAssetURL reports whether the path points at an obvious non-HTML resource.
func IsAssetURL(u *url.URL) bool {
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return false
	}
	_, ok := assetExtensions[ext]
	return ok
}
