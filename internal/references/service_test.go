package references_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scribe/internal/services"
	"scribe/internal/testsupport"
)

func TestStoreBufferLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	svc := testsupport.MustOpenReferences(t, cfg)
	ctx := context.Background()

	locator, err := svc.StoreBuffer(ctx, []byte("audio bytes"), "Meeting Recording.mp3", "wf-1", "audio")
	if err != nil {
		t.Fatalf("StoreBuffer: %v", err)
	}
	if !strings.HasPrefix(locator, "audio_wf-1_") || !strings.HasSuffix(locator, ".mp3") {
		t.Fatalf("unexpected locator %q", locator)
	}
	if !svc.Exists(locator) {
		t.Fatal("stored payload does not exist")
	}

	info, err := svc.GetInfo(locator)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.Size != int64(len("audio bytes")) {
		t.Fatalf("size = %d", info.Size)
	}
	if info.MimeType != "audio/mpeg" {
		t.Fatalf("mime = %q", info.MimeType)
	}
	if info.OriginalName != "meeting-recording.mp3" {
		t.Fatalf("original name = %q", info.OriginalName)
	}

	reader, err := svc.Open(locator)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "audio bytes" {
		t.Fatalf("payload = %q", data)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	svc := testsupport.MustOpenReferences(t, cfg)

	locator, err := svc.StoreBuffer(context.Background(), []byte("xx"), "clip.mp4", "wf-1", "video")
	if err != nil {
		t.Fatal(err)
	}

	first, err := svc.Delete(locator)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !first.Freed || first.BytesFreed != 2 {
		t.Fatalf("first delete = %+v", first)
	}
	if svc.Exists(locator) {
		t.Fatal("payload survived delete")
	}

	second, err := svc.Delete(locator)
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if second.Freed || second.BytesFreed != 0 {
		t.Fatalf("second delete = %+v", second)
	}
}

func TestOpenMissingReference(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	svc := testsupport.MustOpenReferences(t, cfg)

	_, err := svc.Open("audio_wf-1_deadbeef.mp3")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocatorValidation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	svc := testsupport.MustOpenReferences(t, cfg)
	ctx := context.Background()

	if _, err := svc.StoreBuffer(ctx, []byte("x"), "a.mp3", "wf-1", "Audio!"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("bad kind accepted: %v", err)
	}
	if _, err := svc.StoreBuffer(ctx, []byte("x"), "a.mp3", "wf_1", "audio"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("underscore workflow id accepted: %v", err)
	}
	if _, err := svc.Open("../../etc/passwd"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("traversal locator accepted: %v", err)
	}
}

func TestStoreFromPath(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	svc := testsupport.MustOpenReferences(t, cfg)
	ctx := context.Background()

	source := filepath.Join(t.TempDir(), "input.wav")
	if err := os.WriteFile(source, []byte("wave data"), 0o644); err != nil {
		t.Fatal(err)
	}

	locator, err := svc.StoreFromPath(ctx, source, "wf-1", "audio")
	if err != nil {
		t.Fatalf("StoreFromPath: %v", err)
	}
	info, err := svc.GetInfo(locator)
	if err != nil {
		t.Fatal(err)
	}
	if info.OriginalName != "input.wav" || info.Size != int64(len("wave data")) {
		t.Fatalf("info = %+v", info)
	}

	if _, err := svc.StoreFromPath(ctx, source+".missing", "wf-1", "audio"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("missing source: %v", err)
	}
}

func TestStoreFromRemote(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	svc := testsupport.MustOpenReferences(t, cfg)
	body := strings.Repeat("v", 512*1024)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = io.WriteString(w, body)
	}))
	defer server.Close()

	var calls int
	var lastDownloaded, lastTotal int64
	locator, err := svc.StoreFromRemote(context.Background(), server.URL+"/clip.mp4", "wf-1", "video",
		func(downloaded, total int64, percent float64) {
			calls++
			lastDownloaded = downloaded
			lastTotal = total
		}, nil)
	if err != nil {
		t.Fatalf("StoreFromRemote: %v", err)
	}
	if calls == 0 {
		t.Fatal("progress callback never fired")
	}
	if lastDownloaded != int64(len(body)) || lastTotal != int64(len(body)) {
		t.Fatalf("final progress %d/%d", lastDownloaded, lastTotal)
	}

	info, err := svc.GetInfo(locator)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != int64(len(body)) || info.MimeType != "video/mp4" {
		t.Fatalf("info = %+v", info)
	}
}

func TestStoreFromRemoteErrorStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	svc := testsupport.MustOpenReferences(t, cfg)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := svc.StoreFromRemote(context.Background(), server.URL+"/clip.mp4", "wf-1", "video", nil, nil)
	if !errors.Is(err, services.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestStoreFromRemoteCancellation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	svc := testsupport.MustOpenReferences(t, cfg)

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	cancel := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := svc.StoreFromRemote(context.Background(), server.URL+"/clip.mp4", "wf-1", "video",
			func(downloaded, total int64, percent float64) {
				select {
				case <-cancel:
				default:
					close(cancel)
				}
			}, cancel)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, services.ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled download never returned")
	}
}

func TestDeleteAllForWorkflow(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	svc := testsupport.MustOpenReferences(t, cfg)
	ctx := context.Background()

	if _, err := svc.StoreBuffer(ctx, []byte("aaaa"), "a.mp3", "wf-1", "audio"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StoreBuffer(ctx, []byte("bb"), "b.mp4", "wf-1", "video"); err != nil {
		t.Fatal(err)
	}
	keep, err := svc.StoreBuffer(ctx, []byte("cc"), "c.mp3", "wf-2", "audio")
	if err != nil {
		t.Fatal(err)
	}

	result, err := svc.DeleteAllForWorkflow("wf-1")
	if err != nil {
		t.Fatalf("DeleteAllForWorkflow: %v", err)
	}
	if result.FilesDeleted != 2 || result.BytesFreed != 6 {
		t.Fatalf("sweep = %+v", result)
	}
	if !svc.Exists(keep) {
		t.Fatal("sweep removed another workflow's payload")
	}
}

func TestCleanupOldReferences(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	svc := testsupport.MustOpenReferences(t, cfg)
	ctx := context.Background()

	locator, err := svc.StoreBuffer(ctx, []byte("stale"), "old.mp3", "wf-1", "audio")
	if err != nil {
		t.Fatal(err)
	}

	result, err := svc.CleanupOld(time.Hour)
	if err != nil {
		t.Fatalf("CleanupOld: %v", err)
	}
	if result.FilesDeleted != 0 {
		t.Fatalf("fresh payload swept: %+v", result)
	}

	result, err = svc.CleanupOld(-time.Minute)
	if err != nil {
		t.Fatalf("CleanupOld: %v", err)
	}
	if result.FilesDeleted != 1 {
		t.Fatalf("stale payload survived: %+v", result)
	}
	if svc.Exists(locator) {
		t.Fatal("stale payload still exists")
	}
}
