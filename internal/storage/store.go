package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/types"
)

var (
	// ErrNotFound is returned when a workspace (or one of its records) does not exist.
	ErrNotFound = errors.New("workspace not found")
	// ErrAlreadyExists is returned by Create when the workspace id is taken.
	ErrAlreadyExists = errors.New("workspace already exists")
)

// VersionConflictError is returned by Replace when the stored version does not
// match the caller's expectation. Current is the authoritative document.
type VersionConflictError struct {
	Current document.Doc
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: workspace %s is at version %d", e.Current.WorkspaceID, e.Current.Version)
}

// ACL lists who may act on a workspace. The owner and the editors may submit
// operations; everyone else is read-only.
type ACL struct {
	WorkspaceID types.WorkspaceID `json:"workspaceId"`
	OwnerID     types.ViewerID    `json:"ownerId"`
	Editors     []types.ViewerID  `json:"editors"`
	Viewers     []types.ViewerID  `json:"viewers"`
}

// CanEdit reports whether viewer may mutate the workspace.
func (a ACL) CanEdit(viewer types.ViewerID) bool {
	if viewer == a.OwnerID {
		return true
	}
	return slices.Contains(a.Editors, viewer)
}

// WorkspaceSummary is a listing entry.
type WorkspaceSummary struct {
	WorkspaceID types.WorkspaceID `json:"workspaceId"`
	Version     int64             `json:"version"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// ArchiveRef points at a materialized document stored in object storage.
type ArchiveRef struct {
	WorkspaceID types.WorkspaceID
	ServerSeq   int64
	ObjectPath  string
	CreatedAt   time.Time
}

// OperationLog is the append-only, server-sequenced log of operations for
// each workspace.
type OperationLog interface {
	// LatestSeq returns the highest serverSeq in the log, or 0 when empty.
	LatestSeq(ctx context.Context, ws types.WorkspaceID) (int64, error)
	// Append assigns LatestSeq+1 to op and stores it.
	Append(ctx context.Context, ws types.WorkspaceID, op document.Op, createdAt time.Time) (int64, error)
	// ReadSince returns the entries with serverSeq > afterSeq in ascending order.
	ReadSince(ctx context.Context, ws types.WorkspaceID, afterSeq int64) ([]document.SequencedOp, error)
}

// SnapshotStore keeps the latest materialized document for each workspace.
type SnapshotStore interface {
	Create(ctx context.Context, ws types.WorkspaceID, owner types.ViewerID, doc document.Doc) (document.Doc, error)
	Get(ctx context.Context, ws types.WorkspaceID) (document.Doc, error)
	Replace(ctx context.Context, ws types.WorkspaceID, expectedVersion int64, doc document.Doc, now time.Time) (document.Doc, error)
	// ApplyAndPersist applies op to the stored document, appends it to the
	// log and overwrites the snapshot as one atomic step.
	ApplyAndPersist(ctx context.Context, ws types.WorkspaceID, op document.Op, now time.Time) (int64, document.Doc, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	OperationLog
	SnapshotStore

	// Load returns the document together with the latest serverSeq, read
	// consistently with respect to concurrent ApplyAndPersist calls.
	Load(ctx context.Context, ws types.WorkspaceID) (document.Doc, int64, error)
	ACL(ctx context.Context, ws types.WorkspaceID) (ACL, error)
	SetACL(ctx context.Context, acl ACL) error
	ListByOwner(ctx context.Context, owner types.ViewerID) ([]WorkspaceSummary, error)

	RecordArchive(ctx context.Context, ref ArchiveRef) error
	LatestArchive(ctx context.Context, ws types.WorkspaceID) (ArchiveRef, error)
	ArchiveAtOrBefore(ctx context.Context, ws types.WorkspaceID, seq int64) (ArchiveRef, error)
}

func prepareCreate(ws types.WorkspaceID, doc document.Doc) document.Doc {
	doc = doc.Clone()
	doc.WorkspaceID = ws
	doc.Version = 0
	doc.Selection = []string{}
	return doc
}

func prepareReplace(ws types.WorkspaceID, current int64, doc document.Doc, now time.Time) document.Doc {
	doc = doc.Clone()
	doc.WorkspaceID = ws
	doc.Version = current + 1
	doc.UpdatedAt = now.UTC()
	doc.Selection = []string{}
	return doc
}
