package canonjson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type nested struct {
	Zebra int            `json:"zebra"`
	Alpha string         `json:"alpha"`
	Inner map[string]any `json:"inner"`
}

func TestMarshal_SortsKeys(t *testing.T) {
	v := nested{
		Zebra: 1,
		Alpha: "a",
		Inner: map[string]any{"b": 2, "a": 1, "c": 3},
	}
	out, err := Marshal(v)
	require.NoError(t, err)
	require.Equal(t, `{"alpha":"a","inner":{"a":1,"b":2,"c":3},"zebra":1}`, string(out))
}

func TestMarshal_EqualValuesEqualBytes(t *testing.T) {
	a := map[string]any{"x": 1, "y": map[string]any{"k": "v"}}
	b := map[string]any{"y": map[string]any{"k": "v"}, "x": 1}

	ba, err := Marshal(a)
	require.NoError(t, err)
	bb, err := Marshal(b)
	require.NoError(t, err)
	require.Equal(t, ba, bb)
}

func TestMarshal_PreservesIntegers(t *testing.T) {
	out, err := Marshal(map[string]any{"big": int64(9007199254740993)})
	require.NoError(t, err)
	require.Equal(t, `{"big":9007199254740993}`, string(out))
}

func TestDecode_UsesNumbers(t *testing.T) {
	v, err := Decode([]byte(`{"n":42,"f":1.5}`))
	require.NoError(t, err)
	obj := v.(map[string]any)

	n, ok := obj["n"].(json.Number)
	require.True(t, ok)
	i, err := n.Int64()
	require.NoError(t, err)
	require.Equal(t, int64(42), i)
}

func TestDecodeObject_RejectsNonObjects(t *testing.T) {
	_, err := DecodeObject([]byte(`[1,2,3]`))
	require.Error(t, err)
}

func TestDigest(t *testing.T) {
	a, err := Digest(map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)
	b, err := Digest(map[string]any{"y": 2, "x": 1})
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := Digest(map[string]any{"x": 1, "y": 3})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
