// Package properties implements the BLIP properties block: a
// varint-length-prefixed sequence of alternating NUL-terminated key/value
// strings that forms the structured header portion of every BLIP message.
//
// Encode/decode follows strandbuf's Buffer/Reader split (a growable writer,
// an offset-tracked reader) adapted from strandbuf's fixed-width
// little-endian fields to NUL-terminated C strings, which is what the wire
// format in spec §3/§6 actually specifies.
package properties

import (
	"bytes"
	"fmt"

	"github.com/strand-protocol/blip/pkg/varint"
)

// ProfileKey is the one property key the protocol itself gives meaning to:
// implementations MAY treat it as the request method name (spec §6). The
// codec does not special-case it beyond this convenience accessor.
const ProfileKey = "Profile"

// Properties is a parsed properties block. Entries preserves on-wire order;
// duplicate keys are NOT deduplicated (spec §9: first-write-wins by linear
// scan order is mandated, not an implementation detail to "fix").
type Properties struct {
	raw     []byte
	entries []entry
}

type entry struct {
	key, value string
}

// Parse decodes a properties block previously produced by Builder.Bytes.
// buf must begin with the varint length prefix followed by the block; any
// bytes after the block are left unparsed, and n is the offset where they
// begin.
func Parse(buf []byte) (Properties, int, error) {
	r := varint.NewReader(buf)
	size, err := r.ReadVarint()
	if err != nil {
		return Properties{}, 0, fmt.Errorf("properties: read length: %w", err)
	}
	block, err := r.ReadBytes(int(size))
	if err != nil {
		return Properties{}, 0, fmt.Errorf("properties: read block: %w", err)
	}

	var entries []entry
	for len(block) > 0 {
		k, rest, ok := splitCString(block)
		if !ok {
			return Properties{}, 0, fmt.Errorf("properties: unterminated key")
		}
		v, rest2, ok := splitCString(rest)
		if !ok {
			return Properties{}, 0, fmt.Errorf("properties: unterminated value")
		}
		entries = append(entries, entry{key: k, value: v})
		block = rest2
	}

	return Properties{raw: buf[:r.Offset()], entries: entries}, r.Offset(), nil
}

func splitCString(b []byte) (string, []byte, bool) {
	idx := bytes.IndexByte(b, 0)
	if idx < 0 {
		return "", nil, false
	}
	return string(b[:idx]), b[idx+1:], true
}

// Get performs a linear scan for key and returns its first occurrence.
func (p Properties) Get(key string) (string, bool) {
	for _, e := range p.entries {
		if e.key == key {
			return e.value, true
		}
	}
	return "", false
}

// Profile is a convenience accessor for the reserved "Profile" key.
func (p Properties) Profile() string {
	v, _ := p.Get(ProfileKey)
	return v
}

// Bool parses key as a boolean ("true"/"1" => true, "false"/"0" => false).
func (p Properties) Bool(key string, def bool) bool {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	switch v {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return def
	}
}

// Int parses key as an ASCII-decimal integer.
func (p Properties) Int(key string, def int64) int64 {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	var n int64
	var neg bool
	i := 0
	if len(v) > 0 && v[0] == '-' {
		neg = true
		i = 1
	}
	if i == len(v) {
		return def
	}
	for ; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return def
		}
		n = n*10 + int64(v[i]-'0')
	}
	if neg {
		n = -n
	}
	return n
}

// Len returns the number of entries.
func (p Properties) Len() int { return len(p.entries) }

// Each iterates entries in on-wire order.
func (p Properties) Each(fn func(key, value string)) {
	for _, e := range p.entries {
		fn(e.key, e.value)
	}
}

// Builder accumulates key/value pairs and serializes them into a BLIP
// properties block (varint length prefix + alternating NUL-terminated
// strings).
type Builder struct {
	entries []entry
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Set appends a key/value pair. Repeated calls with the same key append a
// new entry rather than overwrite; BLIP mandates linear-scan first-match
// semantics so the first Set call for a key wins on the reading side.
func (b *Builder) Set(key, value string) *Builder {
	b.entries = append(b.entries, entry{key: key, value: value})
	return b
}

// SetProfile is a convenience for Set(ProfileKey, profile).
func (b *Builder) SetProfile(profile string) *Builder {
	return b.Set(ProfileKey, profile)
}

// Bytes serializes the block: varint(len) followed by the alternating
// NUL-terminated key/value sequence.
func (b *Builder) Bytes() []byte {
	var block []byte
	for _, e := range b.entries {
		block = append(block, e.key...)
		block = append(block, 0)
		block = append(block, e.value...)
		block = append(block, 0)
	}
	out := varint.Append(nil, uint64(len(block)))
	return append(out, block...)
}
