package ohlcv

import (
	"time"

	"github.com/buffquant/buffrun/internal/apperr"
)

// TimeframeDuration maps a supported timeframe label to its bar duration.
func TimeframeDuration(timeframe string) (time.Duration, error) {
	switch timeframe {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	default:
		return 0, apperr.Newf(apperr.CodeRunConfigInvalid, 400, "unsupported timeframe %q", timeframe)
	}
}

// Resample aggregates a validated 1-minute series into the target timeframe
// with left-labeled, left-closed buckets: open=first, high=max, low=min,
// close=last, volume=sum. Incomplete buckets are dropped; an empty result
// fails.
func Resample(bars []Bar, timeframe string) ([]Bar, error) {
	dur, err := TimeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}
	if dur == time.Minute {
		return bars, nil
	}
	perBucket := int(dur / time.Minute)

	var out []Bar
	var bucket []Bar
	var bucketStart time.Time
	flush := func() {
		if len(bucket) != perBucket {
			bucket = nil
			return
		}
		agg := Bar{
			Ts:    bucketStart,
			Open:  bucket[0].Open,
			High:  bucket[0].High,
			Low:   bucket[0].Low,
			Close: bucket[len(bucket)-1].Close,
		}
		for _, b := range bucket {
			if b.High > agg.High {
				agg.High = b.High
			}
			if b.Low < agg.Low {
				agg.Low = b.Low
			}
			agg.Volume += b.Volume
		}
		out = append(out, agg)
		bucket = nil
	}

	for _, bar := range bars {
		start := bar.Ts.Truncate(dur)
		if len(bucket) > 0 && !start.Equal(bucketStart) {
			flush()
		}
		if len(bucket) == 0 {
			bucketStart = start
		}
		bucket = append(bucket, bar)
	}
	flush()

	if len(out) == 0 {
		return nil, apperr.Newf(apperr.CodeDataInvalid, 400, "no complete %s buckets in the series", timeframe)
	}
	return out, nil
}
