package internal

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/lychee-technology/hyperform"
)

// lookupPointer resolves a JSON pointer (RFC 6901) against a decoded
// document. Pointer tokens taken from URL fragments may be percent-encoded.
func lookupPointer(doc any, pointer string) (any, bool) {
	if pointer == "" || pointer == "/" {
		return doc, true
	}
	pointer = strings.TrimPrefix(pointer, "/")

	current := doc
	for _, part := range strings.Split(pointer, "/") {
		if unescaped, err := url.PathUnescape(part); err == nil {
			part = unescaped
		}
		part = strings.ReplaceAll(part, "~1", "/")
		part = strings.ReplaceAll(part, "~0", "~")

		switch v := current.(type) {
		case *hyperform.Object:
			next, ok := v.Get(part)
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// escapePointerToken encodes one reference token.
func escapePointerToken(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	return strings.ReplaceAll(token, "/", "~1")
}

// canonicalFragment normalizes "", "#" and "#/..." to a leading-'#' form.
func canonicalFragment(fragment string) string {
	fragment = strings.TrimPrefix(fragment, "#")
	fragment = strings.TrimSuffix(fragment, "/")
	if fragment != "" && !strings.HasPrefix(fragment, "/") {
		fragment = "/" + fragment
	}
	return "#" + fragment
}
