// Package urlutil handles document URL versions and file extensions.
package urlutil

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// DocumentExtensions are the file extensions a display URL may end with.
var DocumentExtensions = []string{".pdf", ".doc", ".docx", ".xls", ".xlsx"}

var versionSuffix = regexp.MustCompile(`(?i)_(?:v|ver)\d+(\.[a-z0-9]+)?$`)

// HasDocumentExtension reports whether the URL path ends in a known
// document extension.
func HasDocumentExtension(raw string) bool {
	ext := strings.ToLower(path.Ext(pathOf(raw)))
	for _, e := range DocumentExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// DocumentExtension returns the lowercased extension of fileName when it is
// a document extension, or "".
func DocumentExtension(fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	for _, e := range DocumentExtensions {
		if ext == e {
			return ext
		}
	}
	return ""
}

// StripVersion removes a trailing _vN or _verN from the last path segment
// and a v query parameter.
func StripVersion(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return versionSuffix.ReplaceAllString(raw, "$1")
	}
	u.Path = versionSuffix.ReplaceAllString(u.Path, "$1")
	u.RawPath = ""
	if u.RawQuery != "" {
		q := u.Query()
		q.Del("v")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// WithVersion returns the version-stripped URL with _vN inserted before the
// extension of the last path segment. n <= 0 gives the base URL.
func WithVersion(raw string, n int) string {
	base := StripVersion(raw)
	if n <= 0 {
		return base
	}
	suffix := fmt.Sprintf("_v%d", n)

	u, err := url.Parse(base)
	if err != nil {
		return base + suffix
	}
	ext := path.Ext(u.Path)
	if DocumentExtension(ext) == "" {
		ext = ""
	}
	u.Path = strings.TrimSuffix(u.Path, ext) + suffix + ext
	u.RawPath = ""
	return u.String()
}

// WithExtension appends ext to the URL path unless it already ends with it.
func WithExtension(raw, ext string) string {
	if ext == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw + ext
	}
	if !strings.HasSuffix(strings.ToLower(u.Path), ext) {
		u.Path += ext
		u.RawPath = ""
	}
	return u.String()
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
