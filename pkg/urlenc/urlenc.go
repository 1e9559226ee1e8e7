// Package urlenc implements the key=value&key=value wire encoding used
// throughout the replication engine for row payloads, table attributes and
// exec-attrs meta comments. A missing value is encoded as the literal \N,
// matching the provider-side trigger encoding.
package urlenc

import (
	"net/url"
	"sort"
	"strings"
)

const nullToken = `\N`

// Encode turns a string map into a stable, percent-encoded key=value&...
// string. Keys are sorted so Encode is deterministic for tests and logs.
func Encode(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(m[k]))
	}
	return b.String()
}

// EncodeNullable is like Encode but values that are nil are written using
// the \N null token instead of an empty string, matching the provider
// trigger's row encoding for SQL NULL.
func EncodeNullable(m map[string]*string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		if v := m[k]; v != nil {
			b.WriteString(url.QueryEscape(*v))
		} else {
			b.WriteString(url.QueryEscape(nullToken))
		}
	}
	return b.String()
}

// Decode parses a key=value&key=value string into a map. Values equal to
// the \N token decode to the empty string; callers that care about the
// null/empty distinction should use DecodeNullable.
func Decode(s string) (map[string]string, error) {
	out := map[string]string{}
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, err
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, err
		}
		if val == nullToken {
			val = ""
		}
		out[key] = val
	}
	return out, nil
}

// DecodeNullable is like Decode but preserves the null/empty distinction:
// a value of \N decodes to a nil pointer, everything else to a non-nil one.
func DecodeNullable(s string) (map[string]*string, error) {
	out := map[string]*string{}
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, err
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, err
		}
		if val == nullToken {
			out[key] = nil
			continue
		}
		cp := val
		out[key] = &cp
	}
	return out, nil
}
