package properties

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderParseRoundTrip(t *testing.T) {
	b := NewBuilder().
		SetProfile("echo").
		Set("Content-Type", "text/plain").
		Set("X-Empty", "")

	encoded := b.Bytes()

	props, n, err := Parse(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)

	assert.Equal(t, "echo", props.Profile())
	v, ok := props.Get("Content-Type")
	assert.True(t, ok)
	assert.Equal(t, "text/plain", v)

	v, ok = props.Get("X-Empty")
	assert.True(t, ok)
	assert.Equal(t, "", v)

	_, ok = props.Get("Missing")
	assert.False(t, ok)
}

func TestDuplicateKeysFirstWriteWins(t *testing.T) {
	b := NewBuilder().Set("Dup", "first").Set("Dup", "second")
	props, _, err := Parse(b.Bytes())
	require.NoError(t, err)

	v, ok := props.Get("Dup")
	require.True(t, ok)
	assert.Equal(t, "first", v, "linear scan must return the first occurrence, not the last")
}

func TestBoolAndIntConvenienceParsers(t *testing.T) {
	b := NewBuilder().
		Set("a", "true").
		Set("b", "0").
		Set("c", "42").
		Set("d", "-7")
	props, _, err := Parse(b.Bytes())
	require.NoError(t, err)

	assert.True(t, props.Bool("a", false))
	assert.False(t, props.Bool("b", true))
	assert.Equal(t, int64(42), props.Int("c", 0))
	assert.Equal(t, int64(-7), props.Int("d", 0))
	assert.Equal(t, int64(99), props.Int("missing", 99))
}

func TestParseTrailingBodyNotConsumed(t *testing.T) {
	b := NewBuilder().SetProfile("echo")
	encoded := b.Bytes()
	encoded = append(encoded, "hello body"...)

	props, n, err := Parse(encoded)
	require.NoError(t, err)
	assert.Equal(t, "echo", props.Profile())
	assert.Equal(t, "hello body", string(encoded[n:]))
}
