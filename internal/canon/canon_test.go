package canon

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAndMinifies(t *testing.T) {
	b, err := Marshal(map[string]any{"b": 1, "a": "x", "c": true})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":true}`, string(b))
}

func TestMarshalQuantizesFloats(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0.123456785, `{"v":0.12345679}`}, // HALF_UP at the 8th digit
		{0.123456784, `{"v":0.12345678}`},
		{-0.123456785, `{"v":-0.12345679}`}, // HALF_UP is away from zero
		{1.0, `{"v":1}`},
		{100.5, `{"v":100.5}`},
		{0.1, `{"v":0.1}`},
	}
	for _, tc := range cases {
		b, err := Marshal(map[string]any{"v": tc.in})
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(b), "input %v", tc.in)
	}
}

func TestMarshalRejectsNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Marshal(map[string]any{"v": v})
		assert.Error(t, err)
	}
}

func TestMarshalPreservesIntegers(t *testing.T) {
	b, err := Marshal(map[string]any{"n": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(b))
}

func TestMarshalIsStableAcrossCalls(t *testing.T) {
	v := map[string]any{
		"metrics": map[string]any{"total_return": 0.034999995, "num_trades": 3},
		"id":      "run_abc",
	}
	first, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMarshalStructs(t *testing.T) {
	type point struct {
		T      string  `json:"t"`
		Equity float64 `json:"equity"`
	}
	b, err := Marshal(point{T: "2024-01-01T00:00:00.000Z", Equity: 10000.123456789})
	require.NoError(t, err)
	assert.Equal(t, `{"equity":10000.12345679,"t":"2024-01-01T00:00:00.000Z"}`, string(b))
}

func TestMarshalLines(t *testing.T) {
	b, err := MarshalLines([]any{
		map[string]any{"seq": 0},
		map[string]any{"seq": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"seq\":0}\n{\"seq\":1}\n", string(b))

	empty, err := MarshalLines(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStripNulls(t *testing.T) {
	in := map[string]any{
		"keep": 1,
		"drop": nil,
		"nested": map[string]any{
			"drop": nil,
			"keep": "x",
		},
	}
	out := StripNulls(in).(map[string]any)
	assert.NotContains(t, out, "drop")
	assert.NotContains(t, out["nested"].(map[string]any), "drop")
	assert.Equal(t, "x", out["nested"].(map[string]any)["keep"])
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`)))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	// No temp residue after success.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	// Overwrite goes through the same path.
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":2}`)))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(got))
}

func TestSHA256Hex(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA256Hex(nil))
}
