package ohlcv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleCSV builds n consecutive 1-minute bars starting 2024-01-01T00:00Z.
func sampleCSV(t *testing.T, n int) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("timestamp,open,high,low,close,volume\n")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		price := 100.0 + float64(i)
		sb.WriteString(fmt.Sprintf("%d,%.2f,%.2f,%.2f,%.2f,%.1f\n",
			ts.UnixMilli(), price, price+1, price-1, price+0.5, 10.0))
	}
	path := filepath.Join(t.TempDir(), "sample.csv")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func TestLoadValidSeries(t *testing.T) {
	path := sampleCSV(t, 5)
	bars, meta, err := Load(path, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, bars, 5)
	assert.Equal(t, path, meta.SourcePath)
	assert.Equal(t, bars[0].Ts, meta.DataStart)
	assert.Equal(t, bars[4].Ts, meta.DataEnd)
	assert.Equal(t, 100.0, bars[0].Open)
	assert.Equal(t, 104.5, bars[4].Close)
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "absent.csv"), time.Time{}, time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATA_SOURCE_NOT_FOUND")
}

func TestParseHeaderVariants(t *testing.T) {
	csvData := "ts,open,high,low,close,volume\n2024-01-01T00:00:00Z,1,2,0.5,1.5,3\n"
	bars, err := Parse(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 1.5, bars[0].Close)
}

func TestParseRejections(t *testing.T) {
	cases := map[string]string{
		"missing column":   "timestamp,open,high,low,close\n1704067200000,1,2,0.5,1.5\n",
		"bad timestamp":    "timestamp,open,high,low,close,volume\nnope,1,2,0.5,1.5,3\n",
		"bad float":        "timestamp,open,high,low,close,volume\n1704067200000,x,2,0.5,1.5,3\n",
		"negative volume":  "timestamp,open,high,low,close,volume\n1704067200000,1,2,0.5,1.5,-1\n",
		"no data rows":     "timestamp,open,high,low,close,volume\n",
	}
	for name, data := range cases {
		_, err := Parse(strings.NewReader(data))
		assert.Error(t, err, name)
	}
}

func TestValidateMinuteSeries(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	good := []Bar{{Ts: base}, {Ts: base.Add(time.Minute)}, {Ts: base.Add(2 * time.Minute)}}
	assert.NoError(t, ValidateMinuteSeries(good))

	gap := []Bar{{Ts: base}, {Ts: base.Add(2 * time.Minute)}}
	assert.Error(t, ValidateMinuteSeries(gap))

	dup := []Bar{{Ts: base}, {Ts: base}}
	assert.Error(t, ValidateMinuteSeries(dup))

	unaligned := []Bar{{Ts: base.Add(30 * time.Second)}}
	assert.Error(t, ValidateMinuteSeries(unaligned))
}

func TestWindow(t *testing.T) {
	path := sampleCSV(t, 10)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	bars, _, err := Load(path, base.Add(2*time.Minute), base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, bars, 4)
	assert.Equal(t, base.Add(2*time.Minute), bars[0].Ts)

	_, _, err = Load(path, base.Add(time.Hour), time.Time{})
	assert.Error(t, err, "empty window must fail")
}

func TestResample5m(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []Bar
	for i := 0; i < 12; i++ { // 12 minutes: two full 5m buckets + 2 leftover
		bars = append(bars, Bar{
			Ts:     base.Add(time.Duration(i) * time.Minute),
			Open:   float64(100 + i),
			High:   float64(110 + i),
			Low:    float64(90 + i),
			Close:  float64(105 + i),
			Volume: 1,
		})
	}
	out, err := Resample(bars, "5m")
	require.NoError(t, err)
	require.Len(t, out, 2, "incomplete bucket must be dropped")

	first := out[0]
	assert.Equal(t, base, first.Ts)
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 114.0, first.High)
	assert.Equal(t, 90.0, first.Low)
	assert.Equal(t, 109.0, first.Close)
	assert.Equal(t, 5.0, first.Volume)
}

func TestResamplePassThrough1m(t *testing.T) {
	bars := []Bar{{Ts: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}}
	out, err := Resample(bars, "1m")
	require.NoError(t, err)
	assert.Equal(t, bars, out)

	_, err = Resample(bars, "15m")
	assert.Error(t, err)
}

func TestResampleEmptyResult(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	bars := []Bar{{Ts: base}, {Ts: base.Add(time.Minute)}}
	_, err := Resample(bars, "5m")
	assert.Error(t, err)
}
