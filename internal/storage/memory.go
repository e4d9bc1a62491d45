package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/types"
)

// Memory is an in-process Store. Each workspace is guarded by its own mutex
// so that unrelated workspaces never contend; the outer lock only protects
// the index.
type Memory struct {
	mu      sync.RWMutex
	records map[types.WorkspaceID]*memoryRecord
}

type memoryRecord struct {
	mu       sync.Mutex
	doc      document.Doc
	acl      ACL
	ops      []memoryEntry
	archives []ArchiveRef
}

type memoryEntry struct {
	seq       int64
	payload   []byte
	createdAt time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[types.WorkspaceID]*memoryRecord)}
}

func (m *Memory) record(ws types.WorkspaceID) (*memoryRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[ws]
	return rec, ok
}

// Create stores a new workspace with version 0 and an ACL naming owner.
func (m *Memory) Create(_ context.Context, ws types.WorkspaceID, owner types.ViewerID, doc document.Doc) (document.Doc, error) {
	saved := prepareCreate(ws, doc)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[ws]; exists {
		return document.Doc{}, ErrAlreadyExists
	}
	m.records[ws] = &memoryRecord{
		doc: saved,
		acl: ACL{WorkspaceID: ws, OwnerID: owner, Editors: []types.ViewerID{}, Viewers: []types.ViewerID{}},
	}
	return saved.Clone(), nil
}

// Get returns the latest snapshot.
func (m *Memory) Get(_ context.Context, ws types.WorkspaceID) (document.Doc, error) {
	rec, ok := m.record(ws)
	if !ok {
		return document.Doc{}, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.doc.Clone(), nil
}

// Load returns the snapshot and the latest serverSeq under the record lock.
func (m *Memory) Load(_ context.Context, ws types.WorkspaceID) (document.Doc, int64, error) {
	rec, ok := m.record(ws)
	if !ok {
		return document.Doc{}, 0, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.doc.Clone(), int64(len(rec.ops)), nil
}

// Replace overwrites the snapshot when expectedVersion matches.
func (m *Memory) Replace(_ context.Context, ws types.WorkspaceID, expectedVersion int64, doc document.Doc, now time.Time) (document.Doc, error) {
	start := time.Now()
	defer observe("memory", "replace", start)

	rec, ok := m.record(ws)
	if !ok {
		return document.Doc{}, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.doc.Version != expectedVersion {
		return document.Doc{}, &VersionConflictError{Current: rec.doc.Clone()}
	}
	saved := prepareReplace(ws, rec.doc.Version, doc, now)
	rec.doc = saved
	return saved.Clone(), nil
}

// ApplyAndPersist applies op and appends it while holding the record lock.
func (m *Memory) ApplyAndPersist(_ context.Context, ws types.WorkspaceID, op document.Op, now time.Time) (int64, document.Doc, error) {
	start := time.Now()
	defer observe("memory", "apply", start)

	rec, ok := m.record(ws)
	if !ok {
		return 0, document.Doc{}, ErrNotFound
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return 0, document.Doc{}, fmt.Errorf("encode operation: %w", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	seq := int64(len(rec.ops)) + 1
	next := document.Apply(rec.doc, op)
	next.Version = seq
	rec.ops = append(rec.ops, memoryEntry{seq: seq, payload: payload, createdAt: now.UTC()})
	rec.doc = next.Clone()
	appendedOps.WithLabelValues("memory").Inc()
	return seq, next, nil
}

// LatestSeq returns 0 for unknown workspaces.
func (m *Memory) LatestSeq(_ context.Context, ws types.WorkspaceID) (int64, error) {
	rec, ok := m.record(ws)
	if !ok {
		return 0, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return int64(len(rec.ops)), nil
}

// Append stores op without touching the snapshot.
func (m *Memory) Append(_ context.Context, ws types.WorkspaceID, op document.Op, createdAt time.Time) (int64, error) {
	start := time.Now()
	defer observe("memory", "append", start)

	rec, ok := m.record(ws)
	if !ok {
		return 0, ErrNotFound
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("encode operation: %w", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	seq := int64(len(rec.ops)) + 1
	rec.ops = append(rec.ops, memoryEntry{seq: seq, payload: payload, createdAt: createdAt.UTC()})
	appendedOps.WithLabelValues("memory").Inc()
	return seq, nil
}

// ReadSince decodes every entry after afterSeq.
func (m *Memory) ReadSince(_ context.Context, ws types.WorkspaceID, afterSeq int64) ([]document.SequencedOp, error) {
	start := time.Now()
	defer observe("memory", "read_since", start)

	rec, ok := m.record(ws)
	if !ok {
		return nil, nil
	}
	rec.mu.Lock()
	if afterSeq < 0 {
		afterSeq = 0
	}
	var entries []memoryEntry
	if afterSeq < int64(len(rec.ops)) {
		entries = slices.Clone(rec.ops[afterSeq:])
	}
	rec.mu.Unlock()

	out := make([]document.SequencedOp, 0, len(entries))
	for _, e := range entries {
		op, err := document.DecodeOp(e.payload)
		if err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", e.seq, err)
		}
		out = append(out, document.SequencedOp{ServerSeq: e.seq, Op: op})
	}
	return out, nil
}

// ACL returns the access list of a workspace.
func (m *Memory) ACL(_ context.Context, ws types.WorkspaceID) (ACL, error) {
	rec, ok := m.record(ws)
	if !ok {
		return ACL{}, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	acl := rec.acl
	acl.Editors = slices.Clone(acl.Editors)
	acl.Viewers = slices.Clone(acl.Viewers)
	return acl, nil
}

// SetACL replaces the editor and viewer lists. The owner cannot change.
func (m *Memory) SetACL(_ context.Context, acl ACL) error {
	rec, ok := m.record(acl.WorkspaceID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.acl.Editors = normalizeViewers(acl.Editors)
	rec.acl.Viewers = normalizeViewers(acl.Viewers)
	return nil
}

// ListByOwner returns the owner's workspaces, most recently updated first.
func (m *Memory) ListByOwner(_ context.Context, owner types.ViewerID) ([]WorkspaceSummary, error) {
	m.mu.RLock()
	recs := make([]*memoryRecord, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	var out []WorkspaceSummary
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.acl.OwnerID == owner {
			out = append(out, WorkspaceSummary{
				WorkspaceID: rec.doc.WorkspaceID,
				Version:     rec.doc.Version,
				UpdatedAt:   rec.doc.UpdatedAt,
			})
		}
		rec.mu.Unlock()
	}
	sortSummaries(out)
	return out, nil
}

// RecordArchive remembers an uploaded archive.
func (m *Memory) RecordArchive(_ context.Context, ref ArchiveRef) error {
	rec, ok := m.record(ref.WorkspaceID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.archives = append(rec.archives, ref)
	return nil
}

// LatestArchive returns the archive with the highest serverSeq.
func (m *Memory) LatestArchive(ctx context.Context, ws types.WorkspaceID) (ArchiveRef, error) {
	return m.ArchiveAtOrBefore(ctx, ws, int64(^uint64(0)>>1))
}

// ArchiveAtOrBefore returns the newest archive whose serverSeq is <= seq.
func (m *Memory) ArchiveAtOrBefore(_ context.Context, ws types.WorkspaceID, seq int64) (ArchiveRef, error) {
	rec, ok := m.record(ws)
	if !ok {
		return ArchiveRef{}, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	var (
		best  ArchiveRef
		found bool
	)
	for _, ref := range rec.archives {
		if ref.ServerSeq > seq {
			continue
		}
		if !found || ref.ServerSeq > best.ServerSeq || (ref.ServerSeq == best.ServerSeq && ref.CreatedAt.After(best.CreatedAt)) {
			best, found = ref, true
		}
	}
	if !found {
		return ArchiveRef{}, ErrNotFound
	}
	return best, nil
}

func normalizeViewers(ids []types.ViewerID) []types.ViewerID {
	out := make([]types.ViewerID, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func sortSummaries(out []WorkspaceSummary) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].WorkspaceID < out[j].WorkspaceID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
}
