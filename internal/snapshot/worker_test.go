package snapshot

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/storage"
	"github.com/example/workspace-sync/internal/types"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func (f *fakeObjects) PutObject(_ context.Context, bucket, objectName string, reader io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.fail {
		return minio.UploadInfo{}, errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[objectName] = data
	return minio.UploadInfo{Bucket: bucket, Key: objectName, Size: int64(len(data))}, nil
}

type fixedSessions []types.WorkspaceID

func (s fixedSessions) Workspaces() []types.WorkspaceID { return s }

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seedStore(t *testing.T, ops int) *storage.Memory {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	if _, err := store.Create(ctx, "ws-1", "userA", document.NewEmpty("ws-1", t0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 1; i <= ops; i++ {
		op := document.SetViewport{
			OpMeta:   document.OpMeta{OpID: types.OpID("op-" + string(rune('a'+i))), ClientID: "c", Now: t0},
			Viewport: document.Viewport{Zoom: float64(i)},
		}
		if _, _, err := store.ApplyAndPersist(ctx, "ws-1", op, t0); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	return store
}

func TestArchiveUploadsDocumentAndRecordsRef(t *testing.T) {
	store := seedStore(t, 3)
	objects := &fakeObjects{}
	w := NewWorker(store, objects, "archives", nil, zerolog.New(io.Discard))

	ref, err := w.Archive(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if ref.ServerSeq != 3 || ref.ObjectPath != "snapshots/ws-1/3.json" {
		t.Fatalf("unexpected ref %+v", ref)
	}

	payload, err := DecodePayload(objects.objects[ref.ObjectPath])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ServerSeq != 3 || payload.Doc.Viewport.Zoom != 3 || payload.Doc.WorkspaceID != "ws-1" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	latest, err := store.LatestArchive(context.Background(), "ws-1")
	if err != nil || latest.ObjectPath != ref.ObjectPath {
		t.Fatalf("latest archive = %+v, %v", latest, err)
	}
}

func TestArchiveIfDueHonoursThreshold(t *testing.T) {
	store := seedStore(t, 2)
	objects := &fakeObjects{}
	w := NewWorker(store, objects, "archives", fixedSessions{"ws-1"}, zerolog.New(io.Discard), WithOpThreshold(3))
	ctx := context.Background()

	wrote, err := w.archiveIfDue(ctx, "ws-1")
	if err != nil || !wrote {
		t.Fatalf("first archive must always be written: %v %v", wrote, err)
	}

	wrote, err = w.archiveIfDue(ctx, "ws-1")
	if err != nil || wrote {
		t.Fatalf("archive written below threshold: %v %v", wrote, err)
	}

	for i := 0; i < 3; i++ {
		op := document.MoveNodes{OpMeta: document.OpMeta{OpID: types.OpID("m" + string(rune('0'+i))), ClientID: "c", Now: t0}, NodeIDs: []string{}, DX: 1}
		if _, _, err := store.ApplyAndPersist(ctx, "ws-1", op, t0); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	w.runOnce(ctx)

	latest, err := store.LatestArchive(ctx, "ws-1")
	if err != nil || latest.ServerSeq != 5 {
		t.Fatalf("expected archive at seq 5, got %+v, %v", latest, err)
	}
	if len(objects.objects) != 2 {
		t.Fatalf("expected two archive objects, got %d", len(objects.objects))
	}
}

func TestArchiveFailureRecordsNothing(t *testing.T) {
	store := seedStore(t, 1)
	w := NewWorker(store, &fakeObjects{fail: true}, "archives", nil, zerolog.New(io.Discard))

	if _, err := w.Archive(context.Background(), "ws-1"); err == nil {
		t.Fatalf("expected upload error")
	}
	if _, err := store.LatestArchive(context.Background(), "ws-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no archive, got %v", err)
	}
	if _, err := w.Archive(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing workspace, got %v", err)
	}
}
