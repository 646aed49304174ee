// Package jsonptr implements RFC 6901 JSON pointers over decoded JSON trees.
// Pointers are built from raw segments taken from configuration and used to
// pull numeric leaves out of probe documents.
package jsonptr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var segmentEscaper = strings.NewReplacer("~", "~0", "/", "~1")

// Pointer is an escaped path into a JSON document. The zero value points at
// the document root.
type Pointer struct {
	raw      string
	segments []string
}

// New builds a Pointer from unescaped segments. Each segment has "~" escaped
// before "/" so that a literal "/" never turns into "~01".
func New(segments ...string) Pointer {
	if len(segments) == 0 {
		return Pointer{}
	}

	var b strings.Builder
	size := 0
	for _, s := range segments {
		size += len(s) + 1
	}
	b.Grow(size)

	copied := make([]string, len(segments))
	for i, s := range segments {
		copied[i] = s
		b.WriteByte('/')
		b.WriteString(Escape(s))
	}
	return Pointer{raw: b.String(), segments: copied}
}

// Parse decodes an escaped pointer string such as "/engines/Render~13D/busy".
func Parse(s string) (Pointer, error) {
	if s == "" {
		return Pointer{}, nil
	}
	if s[0] != '/' {
		return Pointer{}, fmt.Errorf("jsonptr: %q does not start with '/'", s)
	}
	parts := strings.Split(s[1:], "/")
	for i, p := range parts {
		seg, err := Unescape(p)
		if err != nil {
			return Pointer{}, err
		}
		parts[i] = seg
	}
	return Pointer{raw: s, segments: parts}, nil
}

// Escape escapes a single segment.
func Escape(segment string) string {
	return segmentEscaper.Replace(segment)
}

// Unescape reverses Escape. It rejects "~" followed by anything other than
// "0" or "1".
func Unescape(segment string) (string, error) {
	if !strings.Contains(segment, "~") {
		return segment, nil
	}
	var b strings.Builder
	b.Grow(len(segment))
	for i := 0; i < len(segment); i++ {
		c := segment[i]
		if c != '~' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(segment) {
			return "", errors.New("jsonptr: dangling '~' in segment")
		}
		switch segment[i+1] {
		case '0':
			b.WriteByte('~')
		case '1':
			b.WriteByte('/')
		default:
			return "", fmt.Errorf("jsonptr: invalid escape '~%c'", segment[i+1])
		}
		i++
	}
	return b.String(), nil
}

// String returns the escaped form.
func (p Pointer) String() string { return p.raw }

// Segments returns a copy of the unescaped segments.
func (p Pointer) Segments() []string {
	out := make([]string, len(p.segments))
	copy(out, p.segments)
	return out
}

// Lookup walks p through doc. Object members are matched by key; array
// elements by a base-10 index without leading zeros.
func (p Pointer) Lookup(doc any) (any, bool) {
	cur := doc
	for _, seg := range p.segments {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, ok := arrayIndex(seg)
			if !ok || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Float64 returns the numeric leaf at p. It reports false if the path is
// missing or the leaf is not a number.
func (p Pointer) Float64(doc any) (float64, bool) {
	v, ok := p.Lookup(doc)
	if !ok {
		return 0, false
	}
	return toFloat64(v)
}

// MarshalJSON encodes the pointer as its segment list, the shape used in
// configuration files.
func (p Pointer) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Segments())
}

// UnmarshalJSON accepts either a segment list or an escaped pointer string.
func (p *Pointer) UnmarshalJSON(data []byte) error {
	var segments []string
	if err := json.Unmarshal(data, &segments); err == nil {
		*p = New(segments...)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("jsonptr: expected segment list or pointer string: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func arrayIndex(seg string) (int, bool) {
	if seg == "" || (len(seg) > 1 && seg[0] == '0') {
		return 0, false
	}
	idx, err := strconv.Atoi(seg)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
