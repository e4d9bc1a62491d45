package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	workspace_id TEXT PRIMARY KEY,
	version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	doc_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workspace_acl (
	workspace_id TEXT PRIMARY KEY REFERENCES workspaces (workspace_id),
	owner_id TEXT NOT NULL,
	editors TEXT[] NOT NULL DEFAULT '{}',
	viewers TEXT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_workspace_acl_owner ON workspace_acl (owner_id);

CREATE TABLE IF NOT EXISTS workspace_ops (
	workspace_id TEXT NOT NULL REFERENCES workspaces (workspace_id),
	server_seq BIGINT NOT NULL,
	op_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	op_json TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (workspace_id, server_seq)
);

CREATE TABLE IF NOT EXISTS workspace_archives (
	workspace_id TEXT NOT NULL REFERENCES workspaces (workspace_id),
	server_seq BIGINT NOT NULL,
	object_path TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (workspace_id, object_path)
);
CREATE INDEX IF NOT EXISTS idx_workspace_archives_seq ON workspace_archives (workspace_id, server_seq DESC);
`

// Postgres is the durable Store. Per-workspace serialization relies on a row
// lock on the workspaces row; transient failures are retried with
// exponential delay.
type Postgres struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// PostgresOption configures the Postgres store.
type PostgresOption func(*Postgres)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) PostgresOption {
	return func(p *Postgres) {
		p.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		p.retryDelay = d
	}
}

// NewPostgres constructs a store on top of the provided pool.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Migrate creates the tables when they do not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Create inserts the document and its ACL in one transaction.
func (p *Postgres) Create(ctx context.Context, ws types.WorkspaceID, owner types.ViewerID, doc document.Doc) (document.Doc, error) {
	ctx, span := startSpan(ctx, "storage.Create", ws)
	defer span.End()
	defer observe("postgres", "create", time.Now())

	saved := prepareCreate(ws, doc)
	docJSON, err := json.Marshal(saved)
	if err != nil {
		return document.Doc{}, fmt.Errorf("encode document: %w", err)
	}

	err = p.retry(ctx, "create", func(ctx context.Context) error {
		tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `
INSERT INTO workspaces (workspace_id, version, created_at, updated_at, doc_json)
VALUES ($1, $2, $3, $4, $5)`,
			ws, saved.Version, saved.CreatedAt, saved.UpdatedAt, string(docJSON),
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO workspace_acl (workspace_id, owner_id, editors, viewers)
VALUES ($1, $2, '{}', '{}')`, ws, owner); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return document.Doc{}, translate(err)
	}
	return saved, nil
}

// Get returns the latest snapshot.
func (p *Postgres) Get(ctx context.Context, ws types.WorkspaceID) (document.Doc, error) {
	defer observe("postgres", "get", time.Now())

	var raw string
	err := p.pool.QueryRow(ctx, `SELECT doc_json FROM workspaces WHERE workspace_id = $1`, ws).Scan(&raw)
	if err != nil {
		return document.Doc{}, translate(err)
	}
	return decodeDoc(raw)
}

// Load reads the snapshot and the latest serverSeq in a single statement.
func (p *Postgres) Load(ctx context.Context, ws types.WorkspaceID) (document.Doc, int64, error) {
	defer observe("postgres", "load", time.Now())

	var (
		raw    string
		latest int64
	)
	err := p.pool.QueryRow(ctx, `
SELECT w.doc_json,
       COALESCE((SELECT MAX(o.server_seq) FROM workspace_ops o WHERE o.workspace_id = w.workspace_id), 0)
FROM workspaces w
WHERE w.workspace_id = $1`, ws).Scan(&raw, &latest)
	if err != nil {
		return document.Doc{}, 0, translate(err)
	}
	doc, err := decodeDoc(raw)
	if err != nil {
		return document.Doc{}, 0, err
	}
	return doc, latest, nil
}

// Replace performs a compare-and-set on the stored version.
func (p *Postgres) Replace(ctx context.Context, ws types.WorkspaceID, expectedVersion int64, doc document.Doc, now time.Time) (document.Doc, error) {
	ctx, span := startSpan(ctx, "storage.Replace", ws)
	defer span.End()
	defer observe("postgres", "replace", time.Now())

	saved := prepareReplace(ws, expectedVersion, doc, now)
	docJSON, err := json.Marshal(saved)
	if err != nil {
		return document.Doc{}, fmt.Errorf("encode document: %w", err)
	}

	var updated int64
	err = p.retry(ctx, "replace", func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx, `
UPDATE workspaces
SET version = $3, updated_at = $4, doc_json = $5
WHERE workspace_id = $1 AND version = $2`,
			ws, expectedVersion, saved.Version, saved.UpdatedAt, string(docJSON),
		)
		if err != nil {
			return err
		}
		updated = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return document.Doc{}, translate(err)
	}
	if updated == 1 {
		return saved, nil
	}

	current, err := p.Get(ctx, ws)
	if err != nil {
		return document.Doc{}, err
	}
	return document.Doc{}, &VersionConflictError{Current: current}
}

// ApplyAndPersist locks the workspace row, applies op, appends it and
// overwrites the snapshot in one transaction.
func (p *Postgres) ApplyAndPersist(ctx context.Context, ws types.WorkspaceID, op document.Op, now time.Time) (int64, document.Doc, error) {
	ctx, span := startSpan(ctx, "storage.ApplyAndPersist", ws)
	defer span.End()
	defer observe("postgres", "apply", time.Now())

	opJSON, err := json.Marshal(op)
	if err != nil {
		return 0, document.Doc{}, fmt.Errorf("encode operation: %w", err)
	}
	meta := op.Header()

	var (
		seq   int64
		saved document.Doc
	)
	err = p.retry(ctx, "apply", func(ctx context.Context) error {
		tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var raw string
		if err := tx.QueryRow(ctx, `SELECT doc_json FROM workspaces WHERE workspace_id = $1 FOR UPDATE`, ws).Scan(&raw); err != nil {
			return err
		}
		current, err := decodeDoc(raw)
		if err != nil {
			return err
		}

		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(server_seq), 0) + 1 FROM workspace_ops WHERE workspace_id = $1`, ws).Scan(&seq); err != nil {
			return err
		}

		next := document.Apply(current, op)
		next.Version = seq
		docJSON, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode document: %w", err)
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO workspace_ops (workspace_id, server_seq, op_id, client_id, op_json, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
			ws, seq, meta.OpID, meta.ClientID, string(opJSON), now.UTC(),
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
UPDATE workspaces SET version = $2, updated_at = $3, doc_json = $4 WHERE workspace_id = $1`,
			ws, next.Version, next.UpdatedAt, string(docJSON),
		); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		saved = next
		return nil
	})
	if err != nil {
		return 0, document.Doc{}, translate(err)
	}
	appendedOps.WithLabelValues("postgres").Inc()
	span.SetAttributes(attribute.Int64("server_seq", seq))
	return seq, saved, nil
}

// LatestSeq returns the highest serverSeq, or 0.
func (p *Postgres) LatestSeq(ctx context.Context, ws types.WorkspaceID) (int64, error) {
	var seq int64
	err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(server_seq), 0) FROM workspace_ops WHERE workspace_id = $1`, ws).Scan(&seq)
	return seq, err
}

// Append stores op under the workspace row lock without touching the snapshot.
func (p *Postgres) Append(ctx context.Context, ws types.WorkspaceID, op document.Op, createdAt time.Time) (int64, error) {
	defer observe("postgres", "append", time.Now())

	opJSON, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("encode operation: %w", err)
	}
	meta := op.Header()

	var seq int64
	err = p.retry(ctx, "append", func(ctx context.Context) error {
		tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `SELECT 1 FROM workspaces WHERE workspace_id = $1 FOR UPDATE`, ws); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
INSERT INTO workspace_ops (workspace_id, server_seq, op_id, client_id, op_json, created_at)
SELECT $1, COALESCE(MAX(server_seq), 0) + 1, $2, $3, $4, $5 FROM workspace_ops WHERE workspace_id = $1
RETURNING server_seq`,
			ws, meta.OpID, meta.ClientID, string(opJSON), createdAt.UTC(),
		)
		if err := row.Scan(&seq); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, translate(err)
	}
	appendedOps.WithLabelValues("postgres").Inc()
	return seq, nil
}

// ReadSince returns entries with serverSeq > afterSeq in ascending order.
func (p *Postgres) ReadSince(ctx context.Context, ws types.WorkspaceID, afterSeq int64) ([]document.SequencedOp, error) {
	defer observe("postgres", "read_since", time.Now())

	rows, err := p.pool.Query(ctx, `
SELECT server_seq, op_json
FROM workspace_ops
WHERE workspace_id = $1 AND server_seq > $2
ORDER BY server_seq`, ws, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []document.SequencedOp
	for rows.Next() {
		var (
			seq int64
			raw string
		)
		if err := rows.Scan(&seq, &raw); err != nil {
			return nil, err
		}
		op, err := document.DecodeOp([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", seq, err)
		}
		out = append(out, document.SequencedOp{ServerSeq: seq, Op: op})
	}
	return out, rows.Err()
}

// ACL returns the access list of a workspace.
func (p *Postgres) ACL(ctx context.Context, ws types.WorkspaceID) (ACL, error) {
	var (
		owner            string
		editors, viewers []string
	)
	err := p.pool.QueryRow(ctx, `SELECT owner_id, editors, viewers FROM workspace_acl WHERE workspace_id = $1`, ws).
		Scan(&owner, &editors, &viewers)
	if err != nil {
		return ACL{}, translate(err)
	}
	return ACL{
		WorkspaceID: ws,
		OwnerID:     types.ViewerID(owner),
		Editors:     toViewers(editors),
		Viewers:     toViewers(viewers),
	}, nil
}

// SetACL replaces the editor and viewer lists.
func (p *Postgres) SetACL(ctx context.Context, acl ACL) error {
	var updated int64
	err := p.retry(ctx, "set_acl", func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx, `UPDATE workspace_acl SET editors = $2, viewers = $3 WHERE workspace_id = $1`,
			acl.WorkspaceID, fromViewers(normalizeViewers(acl.Editors)), fromViewers(normalizeViewers(acl.Viewers)))
		if err != nil {
			return err
		}
		updated = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	if updated == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns the owner's workspaces, most recently updated first.
func (p *Postgres) ListByOwner(ctx context.Context, owner types.ViewerID) ([]WorkspaceSummary, error) {
	rows, err := p.pool.Query(ctx, `
SELECT w.workspace_id, w.version, w.updated_at
FROM workspaces w
JOIN workspace_acl a ON a.workspace_id = w.workspace_id
WHERE a.owner_id = $1
ORDER BY w.updated_at DESC, w.workspace_id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkspaceSummary
	for rows.Next() {
		var (
			id        string
			version   int64
			updatedAt time.Time
		)
		if err := rows.Scan(&id, &version, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, WorkspaceSummary{WorkspaceID: types.WorkspaceID(id), Version: version, UpdatedAt: updatedAt.UTC()})
	}
	return out, rows.Err()
}

// RecordArchive upserts an archive reference.
func (p *Postgres) RecordArchive(ctx context.Context, ref ArchiveRef) error {
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	err := p.retry(ctx, "record_archive", func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, `
INSERT INTO workspace_archives (workspace_id, server_seq, object_path, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (workspace_id, object_path)
DO UPDATE SET server_seq = EXCLUDED.server_seq, created_at = EXCLUDED.created_at`,
			ref.WorkspaceID, ref.ServerSeq, ref.ObjectPath, ref.CreatedAt)
		return err
	})
	return translate(err)
}

// LatestArchive returns the archive with the highest serverSeq.
func (p *Postgres) LatestArchive(ctx context.Context, ws types.WorkspaceID) (ArchiveRef, error) {
	return p.queryArchive(ctx, ws, `
SELECT server_seq, object_path, created_at FROM workspace_archives
WHERE workspace_id = $1
ORDER BY server_seq DESC, created_at DESC LIMIT 1`, ws)
}

// ArchiveAtOrBefore returns the newest archive whose serverSeq is <= seq.
func (p *Postgres) ArchiveAtOrBefore(ctx context.Context, ws types.WorkspaceID, seq int64) (ArchiveRef, error) {
	return p.queryArchive(ctx, ws, `
SELECT server_seq, object_path, created_at FROM workspace_archives
WHERE workspace_id = $1 AND server_seq <= $2
ORDER BY server_seq DESC, created_at DESC LIMIT 1`, ws, seq)
}

func (p *Postgres) queryArchive(ctx context.Context, ws types.WorkspaceID, query string, args ...any) (ArchiveRef, error) {
	ref := ArchiveRef{WorkspaceID: ws}
	err := p.pool.QueryRow(ctx, query, args...).Scan(&ref.ServerSeq, &ref.ObjectPath, &ref.CreatedAt)
	if err != nil {
		return ArchiveRef{}, translate(err)
	}
	ref.CreatedAt = ref.CreatedAt.UTC()
	return ref, nil
}

func (p *Postgres) retry(ctx context.Context, operation string, fn func(context.Context) error) error {
	delay := p.retryDelay
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == p.maxRetries {
				return err
			}
			storeRetries.WithLabelValues(operation).Inc()
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return ErrAlreadyExists
		case "23503": // foreign_key_violation
			return ErrNotFound
		}
	}
	return err
}

func decodeDoc(raw string) (document.Doc, error) {
	var doc document.Doc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return document.Doc{}, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func startSpan(ctx context.Context, name string, ws types.WorkspaceID) (context.Context, trace.Span) {
	return storeTracer.Start(ctx, name, trace.WithAttributes(attribute.String("workspace_id", string(ws))))
}

func toViewers(ids []string) []types.ViewerID {
	out := make([]types.ViewerID, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.ViewerID(id))
	}
	return out
}

func fromViewers(ids []types.ViewerID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}
