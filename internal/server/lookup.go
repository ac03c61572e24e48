package server

import (
	"path"
	"strings"
	"unicode/utf8"

	"github.com/conneroisu/kiln/internal/content"
)

// NormalizeURL maps a request path onto the key space of the lookup map.
// A trailing slash gets index.html appended, a final segment without an
// extension gets /index.html appended, then escapes are decoded. Escapes of
// reserved characters and of '%' stay encoded; input with a malformed escape
// is returned undecoded.
func NormalizeURL(u string) string {
	if u == "" {
		u = "/"
	}
	if strings.HasSuffix(u, "/") {
		u += "index.html"
	} else if path.Ext(u[strings.LastIndex(u, "/")+1:]) == "" {
		u += "/index.html"
	}
	return decodeURI(u)
}

// URLEqual reports whether a and b normalize to the same key.
func URLEqual(a, b string) bool {
	return NormalizeURL(a) == NormalizeURL(b)
}

const reserved = ";/?:@&=+$,#%"

func decodeURI(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2]) {
			return s
		}
		c := unhex(s[i+1])<<4 | unhex(s[i+2])
		if c < utf8.RuneSelf && strings.IndexByte(reserved, c) >= 0 {
			b.WriteString(s[i : i+3])
		} else {
			b.WriteByte(c)
		}
		i += 2
	}
	out := b.String()
	if !utf8.ValidString(out) {
		return s
	}
	return out
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// BuildLookupMap indexes the items of layers by normalized URL. Later
// layers win over earlier ones, and within a layer later items in flatten
// order win.
func BuildLookupMap(layers ...*content.Tree) map[string]content.Item {
	items := content.Overlay(urlKey, layers...)
	lookup := make(map[string]content.Item, len(items))
	for _, item := range items {
		lookup[urlKey(item)] = item
	}
	return lookup
}

func urlKey(item content.Item) string { return NormalizeURL(item.URL()) }
