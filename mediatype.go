package coap

import (
	"strconv"
	"strings"
)

// MediaTypeName returns the registered MIME name for t, or "unknown/<n>"
// if t is not registered (spec §6).
func MediaTypeName(t MediaType) string { return t.name() }

// MediaTypeFileExtension returns a conventional file extension for t, or
// "" if unregistered.
func MediaTypeFileExtension(t MediaType) string { return t.fileExtension() }

// MediaTypeIsPrintable reports whether t's representation is
// human-readable text.
func MediaTypeIsPrintable(t MediaType) bool { return t.isPrintable() }

// MediaTypeIsImage reports whether t is a registered image media type.
func MediaTypeIsImage(t MediaType) bool { return t.isImage() }

var mediaByName = func() map[string]MediaType {
	m := make(map[string]MediaType, len(mediaNames))
	for t, name := range mediaNames {
		m[name] = t
	}
	return m
}()

// ParseMediaType looks up a MediaType by its registered MIME name, or
// takes a decimal number (any 16-bit value, registered or not) as is,
// returning ok=false ("undefined", spec §6) when neither applies.
func ParseMediaType(mime string) (t MediaType, ok bool) {
	if n, err := strconv.ParseUint(mime, 10, 16); err == nil {
		return MediaType(n), true
	}
	t, ok = mediaByName[mime]
	return
}

// ParseMediaTypeWildcard resolves a "type/*" or "type/subtype" wildcard
// pattern against the registry, returning a matching registered type
// (which one, when several match, is not defined) and ok=false when
// nothing matches (spec §6).
func ParseMediaTypeWildcard(pattern string) (t MediaType, ok bool) {
	if !strings.HasSuffix(pattern, "/*") {
		return ParseMediaType(pattern)
	}
	prefix := strings.TrimSuffix(pattern, "*")
	for name, mt := range mediaByName {
		if strings.HasPrefix(name, prefix) {
			return mt, true
		}
	}
	return 0, false
}
