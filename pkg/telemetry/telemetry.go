// Package telemetry answers questions about the advisor's own recent
// behavior — how many questions were refused in the last hour, what
// the mean reliability score has been — by reading back the episode
// history pkg/store persists. It never mutates anything.
package telemetry

import (
	"fmt"
	"time"

	"github.com/nilgrove/advisord/pkg/store"
)

// Status distinguishes a window with enough samples to report from one
// that does not, so a caller never presents a misleadingly precise
// number computed from one or two episodes.
type Status string

const (
	StatusOK           Status = "ok"
	StatusInsufficient Status = "insufficient"
)

// Result is one windowed aggregate, always carrying a Status so the
// "insufficient" case is a value, not an error.
type Result struct {
	Status Status
	Stat   store.WindowStat
}

// MetricWindow is one host-metric windowed-stat record ({name,
// window, avg, min, max, sample_count, first_seen, last_seen}), with
// "insufficient" a first-class status rather than an absence or a
// zero value, so a historical question
// about a metric nobody has sampled yet is answered honestly instead
// of with a misleading zero.
type MetricWindow struct {
	Name        string    `json:"name"`
	Window      string    `json:"window"`
	Status      Status    `json:"status"`
	Avg         float64   `json:"avg"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	SampleCount int       `json:"sample_count"`
	FirstSeen   time.Time `json:"first_seen,omitempty"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
}

// metricStore is the subset of *store.Store MetricWindow needs.
type metricStore interface {
	MetricAggregate(name string, since time.Duration) (store.MetricAggregate, error)
}

// windowDurations maps the catalog's telemetry.window "window" enum to
// the lookback duration each label covers.
var windowDurations = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// Reporter reads windowed aggregates out of a Store.
type Reporter struct {
	db interface {
		Get(dest interface{}, query string, args ...interface{}) error
	}
	metrics    metricStore
	minSamples int
}

// New builds a Reporter backed by s. minSamples is the smallest sample
// count a window must contain before it is reported as StatusOK rather
// than StatusInsufficient.
func New(s *store.Store, minSamples int) *Reporter {
	if minSamples <= 0 {
		minSamples = 5
	}
	return &Reporter{db: s, metrics: s, minSamples: minSamples}
}

type windowRow struct {
	Count           int     `db:"count"`
	RefusedCount    int     `db:"refused_count"`
	MeanReliability float64 `db:"mean_reliability"`
}

// Window computes the aggregate over the trailing since duration,
// labeling the result label (e.g. "1h", "24h") for display.
func (r *Reporter) Window(label string, since time.Duration) (Result, error) {
	cutoff := time.Now().Add(-since)

	var row windowRow
	err := r.db.Get(&row, `
		SELECT
			COUNT(*) AS count,
			COALESCE(SUM(CASE WHEN refused THEN 1 ELSE 0 END), 0) AS refused_count,
			COALESCE(AVG(reliability), 0) AS mean_reliability
		FROM episodes
		WHERE created_at >= ?
	`, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("telemetry: compute window %s: %w", label, err)
	}

	stat := store.WindowStat{
		Window:          label,
		Count:           row.Count,
		RefusedCount:    row.RefusedCount,
		MeanReliability: row.MeanReliability,
	}

	if row.Count < r.minSamples {
		return Result{Status: StatusInsufficient, Stat: stat}, nil
	}
	return Result{Status: StatusOK, Stat: stat}, nil
}

// MetricWindow reads back the windowed aggregate for a named host
// metric, preserving "insufficient" as a first-class value when fewer
// than minSamples rows fall in the window.
func (r *Reporter) MetricWindow(name, window string) (MetricWindow, error) {
	since, ok := windowDurations[window]
	if !ok {
		return MetricWindow{}, fmt.Errorf("telemetry: unknown window %q", window)
	}
	agg, err := r.metrics.MetricAggregate(name, since)
	if err != nil {
		return MetricWindow{}, fmt.Errorf("telemetry: metric window %s/%s: %w", name, window, err)
	}
	mw := MetricWindow{
		Name:        name,
		Window:      window,
		SampleCount: agg.SampleCount,
		Avg:         agg.Avg,
		Min:         agg.Min,
		Max:         agg.Max,
		FirstSeen:   agg.FirstSeen,
		LastSeen:    agg.LastSeen,
	}
	if agg.SampleCount < r.minSamples {
		mw.Status = StatusInsufficient
	} else {
		mw.Status = StatusOK
	}
	return mw, nil
}

// ProbeFunc adapts MetricWindow to the catalog's ProcReadArgs shape,
// so catalog.BindTelemetryProbe can wire telemetry.window straight to
// this Reporter.
func (r *Reporter) ProbeFunc(args map[string]any) (map[string]any, error) {
	name, _ := args["name"].(string)
	window, _ := args["window"].(string)
	mw, err := r.MetricWindow(name, window)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"name":         mw.Name,
		"window":       mw.Window,
		"status":       string(mw.Status),
		"avg":          mw.Avg,
		"min":          mw.Min,
		"max":          mw.Max,
		"sample_count": mw.SampleCount,
	}
	if !mw.FirstSeen.IsZero() {
		out["first_seen"] = mw.FirstSeen.Format(time.RFC3339)
		out["last_seen"] = mw.LastSeen.Format(time.RFC3339)
	}
	return out, nil
}

// StandardWindows reports the fixed set of windows the advisor surfaces
// for a "how are you doing" internal query.
func (r *Reporter) StandardWindows() (map[string]Result, error) {
	windows := map[string]time.Duration{
		"1h":  time.Hour,
		"24h": 24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
	}
	out := make(map[string]Result, len(windows))
	for label, since := range windows {
		res, err := r.Window(label, since)
		if err != nil {
			return nil, err
		}
		out[label] = res
	}
	return out, nil
}

// StatusProbeFunc adapts StandardWindows to the catalog's ProcRead
// shape, so catalog.BindStatusProbe can wire self.status straight to
// this Reporter.
func (r *Reporter) StatusProbeFunc() (map[string]any, error) {
	windows, err := r.StandardWindows()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(windows))
	for label, res := range windows {
		out[label] = map[string]any{
			"status":           string(res.Status),
			"count":            res.Stat.Count,
			"refused_count":    res.Stat.RefusedCount,
			"mean_reliability": res.Stat.MeanReliability,
		}
	}
	return map[string]any{"windows": out}, nil
}
