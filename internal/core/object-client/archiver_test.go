package objectclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/markdave123-py/ocrflow/internal/config"
	"github.com/markdave123-py/ocrflow/internal/core/storage"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
	deleted []string
	failOn  string
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string]string{}, types: map[string]string{}}
}

func (m *memObjects) UploadFile(ctx context.Context, key string, data io.Reader, contentType string) (string, error) {
	if m.failOn != "" && strings.HasSuffix(key, m.failOn) {
		return "", errors.New("bucket unavailable")
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = string(b)
	m.types[key] = contentType
	return "mem://" + key, nil
}

func (m *memObjects) DeleteFile(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memObjects) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func seedRun(t *testing.T, runID int64) *storage.Layout {
	t.Helper()
	layout, err := storage.NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout() error = %v", err)
	}
	dirs, err := layout.Allocate(runID)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	files := map[string]string{
		filepath.Join(dirs.Uploads, "20260101T000000000000_scan.png"): "upload",
		filepath.Join(dirs.Intermediates, "page_001.png"):               "page",
		filepath.Join(dirs.Outputs, "page_001_processed.png"):           "processed",
		filepath.Join(dirs.Intermediates, ".raster-123", "page-1.png"):  "scratch",
	}
	for p, body := range files {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return layout
}

func TestObjectKey(t *testing.T) {
	got := ObjectKey(42, filepath.Join("outputs", "page_003_processed.png"))
	if got != "runs/run_00000042/outputs/page_003_processed.png" {
		t.Fatalf("ObjectKey() = %q", got)
	}
}

func TestArchiveRun(t *testing.T) {
	layout := seedRun(t, 7)
	obj := newMemObjects()
	a := NewArchiver(obj, layout)

	n, err := a.ArchiveRun(context.Background(), 7)
	if err != nil {
		t.Fatalf("ArchiveRun() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("uploaded %d files, want 3", n)
	}
	key := "runs/run_00000007/outputs/page_001_processed.png"
	if obj.objects[key] != "processed" || obj.types[key] != "image/png" {
		t.Fatalf("unexpected object %q (%s)", obj.objects[key], obj.types[key])
	}
	for k := range obj.objects {
		if strings.Contains(k, ".raster") {
			t.Fatalf("scratch file archived: %s", k)
		}
	}

	if err := a.RemoveRun(context.Background(), 7); err != nil {
		t.Fatalf("RemoveRun() error = %v", err)
	}
	if obj.count() != 0 || len(obj.deleted) != 3 {
		t.Fatalf("archive not cleaned: %v remaining, %v deleted", obj.objects, obj.deleted)
	}
}

func TestArchiveRunReportsUploadFailure(t *testing.T) {
	layout := seedRun(t, 3)
	obj := newMemObjects()
	obj.failOn = "page_001.png"

	if _, err := NewArchiver(obj, layout).ArchiveRun(context.Background(), 3); err == nil {
		t.Fatalf("expected upload error")
	}
}

func TestArchiverWorkers(t *testing.T) {
	layout := seedRun(t, 9)
	obj := newMemObjects()
	a := NewArchiver(obj, layout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx, 2)
	a.Enqueue(9)

	deadline := time.Now().Add(5 * time.Second)
	for obj.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("run was not archived in time, have %d objects", obj.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEnqueueSkipsWhenQueueIsFull(t *testing.T) {
	a := NewArchiver(newMemObjects(), seedRun(t, 1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for id := int64(1); id <= QueueSize+5; id++ {
			a.Enqueue(id)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Enqueue blocked with no workers running")
	}
	if len(a.jobs) != QueueSize {
		t.Fatalf("queued %d runs, want %d", len(a.jobs), QueueSize)
	}
	if first := <-a.jobs; first != 1 {
		t.Fatalf("oldest queued run = %d, want 1", first)
	}
}

func TestNewObjectClientDisabled(t *testing.T) {
	c, err := NewObjectClient(context.Background(), &config.Config{ArchiveBackend: "none"})
	if err != nil || c != nil {
		t.Fatalf("NewObjectClient(none) = %v, %v", c, err)
	}
	if _, err := NewObjectClient(context.Background(), &config.Config{ArchiveBackend: "ftp"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestS3ClientAgainstCompatibleEndpoint(t *testing.T) {
	var mu sync.Mutex
	var requests []string
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPut {
			body = string(b)
		}
		mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			w.Header().Set("ETag", `"etag"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	c, err := NewS3Client(context.Background(), &config.Config{
		AwsAccessKey: "test",
		AwsSecretKey: "test",
		AwsRegion:    "us-east-1",
		BucketName:   "archive",
		S3Endpoint:   srv.URL,
	})
	if err != nil {
		t.Fatalf("NewS3Client() error = %v", err)
	}

	key := "runs/run_00000001/uploads/scan.png"
	url, err := c.UploadFile(context.Background(), key, strings.NewReader("hello archive"), "image/png")
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if url != srv.URL+"/archive/"+key {
		t.Fatalf("UploadFile() url = %q", url)
	}
	if err := c.DeleteFile(context.Background(), key); err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"PUT /archive/" + key, "DELETE /archive/" + key}
	if !slices.Equal(requests, want) {
		t.Fatalf("requests = %v, want %v", requests, want)
	}
	if !strings.Contains(body, "hello archive") {
		t.Fatalf("uploaded body = %q", body)
	}
}

func TestNewS3ClientRequiresCredentials(t *testing.T) {
	if _, err := NewS3Client(context.Background(), &config.Config{AwsRegion: "us-east-1", BucketName: "b"}); err == nil {
		t.Fatalf("expected error without credentials")
	}
}
