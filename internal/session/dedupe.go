package session

import "github.com/example/workspace-sync/internal/types"

// recentOps remembers the serverSeq assigned to the most recent operation ids
// of a workspace. It is bounded; the oldest entry is evicted first.
type recentOps struct {
	limit int
	seqs  map[types.OpID]int64
	ring  []types.OpID
	next  int
}

func newRecentOps(limit int) *recentOps {
	if limit <= 0 {
		limit = 1
	}
	return &recentOps{
		limit: limit,
		seqs:  make(map[types.OpID]int64, limit),
		ring:  make([]types.OpID, 0, limit),
	}
}

func (r *recentOps) lookup(id types.OpID) (int64, bool) {
	seq, ok := r.seqs[id]
	return seq, ok
}

func (r *recentOps) remember(id types.OpID, seq int64) {
	if _, ok := r.seqs[id]; ok {
		return
	}
	if len(r.ring) < r.limit {
		r.ring = append(r.ring, id)
	} else {
		delete(r.seqs, r.ring[r.next])
		r.ring[r.next] = id
		r.next = (r.next + 1) % r.limit
	}
	r.seqs[id] = seq
}
