package graph

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProps_Roundtrip(t *testing.T) {
	when := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	p := Props{
		"null":  Null(),
		"yes":   Bool(true),
		"no":    Bool(false),
		"count": Int(-42),
		"score": Float(3.14),
		"name":  String("Ada"),
		"blob":  BytesValue([]byte{0x01, 0x02, 0x03}),
		"born":  Date(when),
		"seen":  DateTime(when),
	}

	got, err := DecodeProps(EncodeProps(p))
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestProps_DeterministicEncoding(t *testing.T) {
	// Map iteration order must not leak into the bytes.
	p := Props{"b": Int(2), "a": Int(1), "c": Int(3)}
	first := EncodeProps(p)
	for i := 0; i < 10; i++ {
		assert.True(t, bytes.Equal(first, EncodeProps(p)))
	}
}

func TestProps_EmptyBag(t *testing.T) {
	got, err := DecodeProps(EncodeProps(Props{}))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProps_RejectsTruncated(t *testing.T) {
	encoded := EncodeProps(Props{"name": String("truncate me")})
	for _, cut := range []int{1, 3, 8, len(encoded) - 1} {
		_, err := DecodeProps(encoded[:cut])
		assert.ErrorIs(t, err, ErrBadProps, "cut at %d", cut)
	}
}

func TestProps_RejectsUnknownKind(t *testing.T) {
	encoded := EncodeProps(Props{"x": Bool(true)})
	// Kind byte follows the 2-byte count, 2-byte name length and name.
	encoded[2+2+1] = 0x7F
	_, err := DecodeProps(encoded)
	assert.ErrorIs(t, err, ErrBadProps)
}

func TestValueKey_OrdersLikeValues(t *testing.T) {
	t.Run("signed_ints", func(t *testing.T) {
		values := []int64{-1000, -1, 0, 1, 1000}
		for i := 1; i < len(values); i++ {
			a := valueKey(Int(values[i-1]))
			b := valueKey(Int(values[i]))
			assert.Equal(t, -1, bytes.Compare(a, b), "%d vs %d", values[i-1], values[i])
		}
	})

	t.Run("floats", func(t *testing.T) {
		values := []float64{-5.5, -0.1, 0, 0.1, 5.5}
		for i := 1; i < len(values); i++ {
			a := valueKey(Float(values[i-1]))
			b := valueKey(Float(values[i]))
			assert.Equal(t, -1, bytes.Compare(a, b), "%f vs %f", values[i-1], values[i])
		}
	})

	t.Run("strings", func(t *testing.T) {
		a := valueKey(String("apple"))
		b := valueKey(String("banana"))
		assert.Equal(t, -1, bytes.Compare(a, b))
	})
}
