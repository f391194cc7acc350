package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyed struct {
	A uint64            `cbor:"0,keyasint"`
	B string            `cbor:"1,keyasint"`
	M map[string]uint64 `cbor:"2,keyasint"`
}

func TestMarshalIsDeterministicAcrossMapOrder(t *testing.T) {
	// Build two equal maps through different insertion orders; the
	// canonical encoding must not depend on Go map iteration.
	m1 := map[string]uint64{"alpha": 1, "beta": 2, "gamma": 3}
	m2 := map[string]uint64{}
	m2["gamma"] = 3
	m2["alpha"] = 1
	m2["beta"] = 2

	b1, err := Marshal(keyed{A: 7, B: "x", M: m1})
	require.NoError(t, err)
	b2, err := Marshal(keyed{A: 7, B: "x", M: m2})
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "canonical encodings of equal values must match")
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	in := keyed{A: 42, B: "hello", M: map[string]uint64{"k": 9}}
	raw, err := Marshal(in)
	require.NoError(t, err)

	var out keyed
	require.NoError(t, Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestUnmarshalRejectsUnknownField(t *testing.T) {
	type wide struct {
		A uint64 `cbor:"0,keyasint"`
		B string `cbor:"1,keyasint"`
	}
	type narrow struct {
		A uint64 `cbor:"0,keyasint"`
	}
	raw, err := Marshal(wide{A: 1, B: "extra"})
	require.NoError(t, err)

	var out narrow
	require.Error(t, Unmarshal(raw, &out), "strict decode must reject the unknown field")
}

func TestHashMatchesSumOfMarshal(t *testing.T) {
	v := keyed{A: 3, B: "z"}
	raw, err := Marshal(v)
	require.NoError(t, err)
	h, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, SumBytes(raw), h)
}

func TestSum256ConcatEqualsSingleWrite(t *testing.T) {
	assert.Equal(t, SumBytes([]byte("abcdef")), Sum256Concat([]byte("ab"), []byte("cd"), []byte("ef")))
}
