package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/storage"
	"github.com/example/workspace-sync/internal/types"
)

const (
	defaultInterval    = 15 * time.Second
	defaultOpThreshold = int64(500)
)

// Payload is the object stored for one archived document.
type Payload struct {
	Workspace types.WorkspaceID `json:"workspace_id"`
	ServerSeq int64             `json:"server_seq"`
	Doc       document.Doc      `json:"doc"`
}

// ObjectWriter uploads archive objects. *minio.Client satisfies it.
type ObjectWriter interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Store is the persistence surface the worker reads documents from and
// records archives in.
type Store interface {
	Load(ctx context.Context, ws types.WorkspaceID) (document.Doc, int64, error)
	LatestArchive(ctx context.Context, ws types.WorkspaceID) (storage.ArchiveRef, error)
	RecordArchive(ctx context.Context, ref storage.ArchiveRef) error
}

// Sessions lists the workspaces that currently have live editors.
type Sessions interface {
	Workspaces() []types.WorkspaceID
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval sets how often live workspaces are inspected.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOpThreshold sets how many operations must accumulate after the last
// archive before a new one is written.
func WithOpThreshold(n int64) Option {
	return func(w *Worker) {
		if n > 0 {
			w.opThreshold = n
		}
	}
}

// Worker periodically archives the documents of live workspaces to object
// storage once enough operations have accumulated.
type Worker struct {
	store    Store
	object   ObjectWriter
	bucket   string
	sessions Sessions

	interval    time.Duration
	opThreshold int64
	clock       func() time.Time

	logger zerolog.Logger
}

// NewWorker constructs an archive worker with sane defaults.
func NewWorker(store Store, object ObjectWriter, bucket string, sessions Sessions, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		store:       store,
		object:      object,
		bucket:      bucket,
		sessions:    sessions,
		interval:    defaultInterval,
		opThreshold: defaultOpThreshold,
		clock:       time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic archive loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	if w.sessions == nil {
		return
	}
	for _, ws := range w.sessions.Workspaces() {
		if _, err := w.archiveIfDue(ctx, ws); err != nil {
			w.logger.Error().Err(err).Str("workspace", string(ws)).Msg("archive failed")
		}
	}
}

// archiveIfDue writes an archive when none exists yet or when the log has
// grown by at least the threshold since the last one.
func (w *Worker) archiveIfDue(ctx context.Context, ws types.WorkspaceID) (bool, error) {
	doc, latest, err := w.store.Load(ctx, ws)
	if err != nil {
		return false, fmt.Errorf("load workspace: %w", err)
	}

	last, err := w.store.LatestArchive(ctx, ws)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("lookup latest archive: %w", err)
	case latest-last.ServerSeq < w.opThreshold:
		archiveSkipped.Inc()
		return false, nil
	}

	if _, err := w.write(ctx, ws, doc, latest); err != nil {
		return false, err
	}
	return true, nil
}

// Archive uploads the current document of ws and records the archive.
func (w *Worker) Archive(ctx context.Context, ws types.WorkspaceID) (storage.ArchiveRef, error) {
	doc, latest, err := w.store.Load(ctx, ws)
	if err != nil {
		return storage.ArchiveRef{}, fmt.Errorf("load workspace: %w", err)
	}
	return w.write(ctx, ws, doc, latest)
}

func (w *Worker) write(ctx context.Context, ws types.WorkspaceID, doc document.Doc, seq int64) (storage.ArchiveRef, error) {
	if w.object == nil {
		return storage.ArchiveRef{}, errors.New("object storage client not configured")
	}
	start := time.Now()

	doc.Selection = []string{}
	data, err := json.Marshal(Payload{Workspace: ws, ServerSeq: seq, Doc: doc})
	if err != nil {
		return storage.ArchiveRef{}, fmt.Errorf("encode archive payload: %w", err)
	}

	objectPath := ObjectPath(ws, seq)
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		archiveResults.WithLabelValues("upload_error").Inc()
		return storage.ArchiveRef{}, fmt.Errorf("upload archive: %w", err)
	}

	ref := storage.ArchiveRef{
		WorkspaceID: ws,
		ServerSeq:   seq,
		ObjectPath:  objectPath,
		CreatedAt:   w.clock().UTC(),
	}
	if err := w.store.RecordArchive(ctx, ref); err != nil {
		archiveResults.WithLabelValues("record_error").Inc()
		return storage.ArchiveRef{}, fmt.Errorf("persist archive ref: %w", err)
	}

	archiveResults.WithLabelValues("ok").Inc()
	archiveLatency.Observe(time.Since(start).Seconds())
	w.logger.Info().Str("workspace", string(ws)).Int64("server_seq", seq).Str("object", objectPath).Msg("archive created")
	return ref, nil
}

// ObjectPath names the archive object of ws at seq.
func ObjectPath(ws types.WorkspaceID, seq int64) string {
	return fmt.Sprintf("snapshots/%s/%d.json", ws, seq)
}

// DecodePayload unmarshals an archive object.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	if payload.Doc.Nodes == nil {
		payload.Doc.Nodes = map[string]document.Node{}
	}
	return payload, nil
}
