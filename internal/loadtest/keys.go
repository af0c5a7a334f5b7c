package loadtest

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// hotSubjectID is the per-tenant subject that absorbs the hot fraction of
// the key stream.
const hotSubjectID = 1

// KeyGenerator maps an operation index to a (tenant, subject) pair.
// The mapping is a pure function of the index, so thread and process
// workers produce the same key stream for the same run parameters and the
// parent can recompute expected row counts without coordination.
type KeyGenerator struct {
	tenants  int64
	subjects int64
	hotness  float64
	seed     uint32
}

// NewKeyGenerator builds a generator over tenants x subjects keys.
func NewKeyGenerator(tenants, subjectsPerTenant int, hotness float64, seed uint32) *KeyGenerator {
	return &KeyGenerator{
		tenants:  int64(tenants),
		subjects: int64(subjectsPerTenant),
		hotness:  hotness,
		seed:     seed,
	}
}

// Key returns the tenant and subject for operation index op.
func (g *KeyGenerator) Key(op int64) (tenantID, subjectID int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(op))
	h := murmur3.Sum64WithSeed(buf[:], g.seed)

	tenantID = int64(h%uint64(g.tenants)) + 1

	// The top bits decide hot-key routing independently of the tenant
	// bits so hotness stays uniform across tenants.
	if g.hotness > 0 && float64((h>>40)%10000)/10000.0 < g.hotness {
		return tenantID, hotSubjectID
	}
	subjectID = int64((h>>16)%uint64(g.subjects)) + 1
	return tenantID, subjectID
}

// DistinctKeys counts the distinct keys produced by the first totalOps
// indices. Used to verify the post-run row count.
func (g *KeyGenerator) DistinctKeys(totalOps int64) int64 {
	seen := make(map[[2]int64]struct{})
	for op := int64(0); op < totalOps; op++ {
		t, s := g.Key(op)
		seen[[2]int64{t, s}] = struct{}{}
	}
	return int64(len(seen))
}
