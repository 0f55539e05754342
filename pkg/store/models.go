package store

import "time"

// EpisodeRow is the persisted form of one core.Episode: the mutable
// rounds/exchanges/response payloads are stored as JSON blobs since
// they are written once and never queried by field.
type EpisodeRow struct {
	ID            string    `db:"id" json:"id"`
	StartedAt     time.Time `db:"started_at" json:"started_at"`
	Question      string    `db:"question" json:"question"`
	IntentKind    string    `db:"intent_kind" json:"intent_kind"`
	RoundsJSON    string    `db:"rounds_json" json:"-"`
	ExchangesJSON string    `db:"exchanges_json" json:"-"`
	ResponseJSON  string    `db:"response_json" json:"-"`
	Reliability   float64   `db:"reliability" json:"reliability"`
	Refused       bool      `db:"refused" json:"refused"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// WindowStat is one aggregate bucket read back by the telemetry
// package — e.g. "how many questions were refused in the last hour".
type WindowStat struct {
	Window          string  `db:"window" json:"window"`
	Count           int     `db:"count" json:"count"`
	RefusedCount    int     `db:"refused_count" json:"refused_count"`
	MeanReliability float64 `db:"mean_reliability" json:"mean_reliability"`
}

// MetricAggregate is the raw aggregate row read back from
// metric_samples for one named host metric over one trailing window.
// The sampler that populates metric_samples is an out-of-scope
// collaborator; this store only ever reads it back.
type MetricAggregate struct {
	SampleCount int       `db:"sample_count"`
	Avg         float64   `db:"avg"`
	Min         float64   `db:"min"`
	Max         float64   `db:"max"`
	FirstSeen   time.Time `db:"first_seen"`
	LastSeen    time.Time `db:"last_seen"`
}
