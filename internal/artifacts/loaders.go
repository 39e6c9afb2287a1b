package artifacts

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/timeutil"
)

// LoadMetrics loads metrics.json whole.
func LoadMetrics(runDir string) (map[string]any, error) {
	return loadJSONObject(filepath.Join(runDir, "metrics.json"),
		apperr.CodeMetricsMissing, apperr.CodeMetricsInvalid, "metrics.json")
}

// LoadTimeline loads timeline.json whole and normalizes event timestamps.
func LoadTimeline(runDir string) (map[string]any, error) {
	timeline, err := loadJSONObject(filepath.Join(runDir, "timeline.json"),
		apperr.CodeTimelineMissing, apperr.CodeTimelineInvalid, "timeline.json")
	if err != nil {
		return nil, err
	}
	events, _ := timeline["events"].([]any)
	for _, ev := range events {
		event, ok := ev.(map[string]any)
		if !ok {
			continue
		}
		if ts, err := timeutil.Parse(event["ts_utc"]); err == nil {
			event["ts_utc"] = timeutil.Format(ts)
		}
	}
	return timeline, nil
}

// LoadEquityCurve loads equity_curve.json whole.
func LoadEquityCurve(runDir string) (map[string]any, error) {
	return loadJSONObject(filepath.Join(runDir, "equity_curve.json"),
		apperr.CodeArtifactNotFound, apperr.CodeValidationError, "equity_curve.json")
}

// LoadManifest loads manifest.json whole.
func LoadManifest(runDir string) (map[string]any, error) {
	return loadJSONObject(filepath.Join(runDir, "manifest.json"),
		apperr.CodeArtifactNotFound, apperr.CodeValidationError, "manifest.json")
}

func loadJSONObject(path, missingCode, invalidCode, label string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, apperr.Newf(missingCode, 404, "%s is missing", label)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, 500, "cannot read "+label, err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, apperr.Wrap(invalidCode, 422, label+" is not valid JSON", err)
	}
	return obj, nil
}
