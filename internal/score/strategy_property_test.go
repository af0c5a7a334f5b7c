package score

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// The merge strategies promise order independence: any serialization of the
// same set of merges yields the same final record. These properties pin that
// down as algebraic laws of Combine.

func genRecord() gopter.Gen {
	return gopter.CombineGens(
		gen.Float64Range(-1e6, 1e6),
		gen.Int64Range(0, 1e9),
	).Map(func(vals []interface{}) ScoreRecord {
		return ScoreRecord{
			TenantID:    1,
			SubjectID:   1,
			Score:       vals[0].(float64),
			LastEventTS: vals[1].(int64),
			CreatedAt:   vals[1].(int64),
			UpdatedAt:   vals[1].(int64),
		}
	})
}

func recordsEqual(a, b ScoreRecord) bool {
	return math.Abs(a.Score-b.Score) < 1e-6 &&
		a.LastEventTS == b.LastEventTS &&
		a.CreatedAt == b.CreatedAt &&
		a.UpdatedAt == b.UpdatedAt
}

func TestProperty_CombineCommutative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	for _, s := range []Strategy{Sum, Max, ReplaceIfNewer} {
		s := s
		properties.Property(s.String()+" combine is commutative", prop.ForAll(
			func(a, b ScoreRecord) bool {
				return recordsEqual(s.Combine(a, b), s.Combine(b, a))
			},
			genRecord(),
			genRecord(),
		))
	}

	properties.TestingRun(t)
}

func TestProperty_CombineAssociative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	for _, s := range []Strategy{Sum, Max, ReplaceIfNewer} {
		s := s
		properties.Property(s.String()+" combine is associative", prop.ForAll(
			func(a, b, c ScoreRecord) bool {
				left := s.Combine(s.Combine(a, b), c)
				right := s.Combine(a, s.Combine(b, c))
				return recordsEqual(left, right)
			},
			genRecord(),
			genRecord(),
			genRecord(),
		))
	}

	properties.TestingRun(t)
}

func TestProperty_MaxAndReplaceIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	for _, s := range []Strategy{Max, ReplaceIfNewer} {
		s := s
		properties.Property(s.String()+" combine is idempotent", prop.ForAll(
			func(a ScoreRecord) bool {
				return recordsEqual(s.Combine(a, a), a)
			},
			genRecord(),
		))
	}

	properties.TestingRun(t)
}

func TestProperty_AnyPermutationSameResult(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	for _, s := range []Strategy{Sum, Max, ReplaceIfNewer} {
		s := s
		properties.Property(s.String()+" fold is order independent", prop.ForAll(
			func(a, b, c, d ScoreRecord) bool {
				forward := s.Combine(s.Combine(s.Combine(a, b), c), d)
				reverse := s.Combine(s.Combine(s.Combine(d, c), b), a)
				shuffled := s.Combine(s.Combine(c, a), s.Combine(d, b))
				return recordsEqual(forward, reverse) && recordsEqual(forward, shuffled)
			},
			genRecord(),
			genRecord(),
			genRecord(),
			genRecord(),
		))
	}

	properties.TestingRun(t)
}
