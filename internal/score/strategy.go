package score

import (
	"fmt"
)

// Strategy is the closed set of merge strategies. Each strategy is
// order-independent: any serialization of concurrent merges on the same key
// yields the same final value. Last-writer-wins is explicitly not assumed.
type Strategy int

const (
	// Sum adds the incoming delta to the stored score. Commutative and
	// associative; suited to cumulative counters.
	Sum Strategy = iota

	// Max keeps the greater of stored and incoming score. Commutative and
	// idempotent; suited to high-water marks.
	Max

	// ReplaceIfNewer keeps the value with the newer event timestamp,
	// breaking timestamp ties by greater score so the result stays
	// order-independent. Suited to point-in-time gauges.
	ReplaceIfNewer
)

// ParseStrategy resolves a strategy by name.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "sum":
		return Sum, nil
	case "max":
		return Max, nil
	case "replace_if_newer":
		return ReplaceIfNewer, nil
	default:
		return 0, fmt.Errorf("unknown merge strategy %q (must be sum, max, or replace_if_newer)", name)
	}
}

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case Sum:
		return "sum"
	case Max:
		return "max"
	case ReplaceIfNewer:
		return "replace_if_newer"
	default:
		return "unknown"
	}
}

// ConflictClause returns the ON CONFLICT ... DO UPDATE SET fragment that
// expresses the strategy as part of a single atomic statement. Unqualified
// columns refer to the stored row; excluded.* to the incoming one.
func (s Strategy) ConflictClause() string {
	switch s {
	case Sum:
		return `score = score + excluded.score,
			last_event_ts = MAX(last_event_ts, excluded.last_event_ts),
			updated_at = excluded.updated_at`
	case Max:
		return `score = MAX(score, excluded.score),
			last_event_ts = MAX(last_event_ts, excluded.last_event_ts),
			updated_at = excluded.updated_at`
	case ReplaceIfNewer:
		return `score = CASE
				WHEN excluded.last_event_ts > last_event_ts THEN excluded.score
				WHEN excluded.last_event_ts = last_event_ts AND excluded.score > score THEN excluded.score
				ELSE score
			END,
			last_event_ts = MAX(last_event_ts, excluded.last_event_ts),
			updated_at = excluded.updated_at`
	default:
		panic(fmt.Sprintf("score: no conflict clause for strategy %d", s))
	}
}

// Combine folds two records for the same key in memory. It implements the
// same semantics as ConflictClause and is used by migration folding and the
// strategy law tests. Both arguments must share the key.
func (s Strategy) Combine(a, b ScoreRecord) ScoreRecord {
	out := a
	switch s {
	case Sum:
		out.Score = a.Score + b.Score
	case Max:
		if b.Score > a.Score {
			out.Score = b.Score
		}
	case ReplaceIfNewer:
		if b.LastEventTS > a.LastEventTS ||
			(b.LastEventTS == a.LastEventTS && b.Score > a.Score) {
			out.Score = b.Score
		}
	}
	if b.LastEventTS > out.LastEventTS {
		out.LastEventTS = b.LastEventTS
	}
	if b.CreatedAt < out.CreatedAt {
		out.CreatedAt = b.CreatedAt
	}
	if b.UpdatedAt > out.UpdatedAt {
		out.UpdatedAt = b.UpdatedAt
	}
	return out
}
