package artifact

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/narvanalabs/shipyard/internal/retry"
)

// fakeStore fails the first failures[key] puts of each key.
type fakeStore struct {
	mu       sync.Mutex
	failures map[string]int
	err      error
	calls    map[string]int
	objects  map[string][]byte
	types    map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		failures: make(map[string]int),
		err:      errors.New("connection reset by peer"),
		calls:    make(map[string]int),
		objects:  make(map[string][]byte),
		types:    make(map[string]string),
	}
}

func (f *fakeStore) PutObject(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[key]++
	if f.calls[key] <= f.failures[key] {
		return f.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

type lines struct {
	mu  sync.Mutex
	all []string
}

func (l *lines) Publish(_ context.Context, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, line)
}

func (l *lines) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.all {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func writeFile(t *testing.T, dir, rel, body string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func testOptions() Options {
	return Options{
		Prefix: "__outputs",
		Scope:  "p-1",
		Policy: retry.Policy{MaxAttempts: 3},
	}
}

func TestUploadSucceedsOnThirdAttempt(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "index.html", "<html></html>")

	store := newFakeStore()
	store.failures["__outputs/p-1/index.html"] = 2
	out := &lines{}

	u := NewUploader(store, out, testOptions())
	if err := u.Upload(context.Background(), file, "index.html"); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if string(store.objects["__outputs/p-1/index.html"]) != "<html></html>" {
		t.Error("object not stored")
	}
	if ct := store.types["__outputs/p-1/index.html"]; !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if !out.contains("Failed upload (attempt 1)") || !out.contains("Failed upload (attempt 2)") {
		t.Errorf("attempt failures not reported: %v", out.all)
	}
	if !out.contains("Uploaded: __outputs/p-1/index.html") {
		t.Errorf("success not reported: %v", out.all)
	}
}

func TestUploadExhaustedContinuesWithNextFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.js", "console.log(1)")
	writeFile(t, dir, "b.css", "body{}")

	store := newFakeStore()
	store.failures["__outputs/p-1/a.js"] = 3
	out := &lines{}

	u := NewUploader(store, out, testOptions())
	res, err := u.UploadDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("UploadDir() error = %v", err)
	}

	if res.Failed != 1 || res.Uploaded != 1 {
		t.Errorf("result = %+v, want 1 failed, 1 uploaded", res)
	}
	if store.calls["__outputs/p-1/a.js"] != 3 {
		t.Errorf("a.js attempts = %d, want 3", store.calls["__outputs/p-1/a.js"])
	}
	if _, ok := store.objects["__outputs/p-1/b.css"]; !ok {
		t.Error("next file not uploaded after exhaustion")
	}
	if !out.contains("Upload failed after 3 attempts") {
		t.Errorf("final failure not reported: %v", out.all)
	}
}

func TestUploadDirFailFast(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.js", "1")
	writeFile(t, dir, "b.js", "2")

	store := newFakeStore()
	store.failures["__outputs/p-1/a.js"] = 3

	opts := testOptions()
	opts.FailFast = true
	u := NewUploader(store, nil, opts)

	_, err := u.UploadDir(context.Background(), dir)
	if !errors.Is(err, ErrUploadExhausted) {
		t.Fatalf("UploadDir() error = %v, want ErrUploadExhausted", err)
	}
	if _, ok := store.objects["__outputs/p-1/b.js"]; ok {
		t.Error("upload continued after fail-fast error")
	}
}

func TestUploadMissingSourceIsNotRetried(t *testing.T) {
	store := newFakeStore()
	out := &lines{}
	u := NewUploader(store, out, testOptions())

	err := u.Upload(context.Background(), filepath.Join(t.TempDir(), "gone.txt"), "gone.txt")
	if !errors.Is(err, ErrSourceMissing) {
		t.Fatalf("Upload() error = %v, want ErrSourceMissing", err)
	}
	if store.calls["__outputs/p-1/gone.txt"] != 0 {
		t.Error("missing source was sent to the store")
	}
	if !out.contains("file not found") {
		t.Errorf("missing file not reported: %v", out.all)
	}
}

func TestUploadPermanentErrorStopsRetrying(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "x.txt", "x")

	store := newFakeStore()
	store.failures["__outputs/p-1/x.txt"] = 3
	store.err = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}

	out := &lines{}
	u := NewUploader(store, out, testOptions())
	if err := u.Upload(context.Background(), file, "x.txt"); !errors.Is(err, ErrUploadExhausted) {
		t.Fatalf("Upload() error = %v", err)
	}
	if store.calls["__outputs/p-1/x.txt"] != 1 {
		t.Errorf("attempts = %d, want 1 for a permanent error", store.calls["__outputs/p-1/x.txt"])
	}
	if !out.contains("Upload failed after 1 attempt:") {
		t.Errorf("final failure should report the single attempt made: %v", out.all)
	}
	if out.contains("after 3 attempts") {
		t.Errorf("final failure reports the policy limit instead of attempts made: %v", out.all)
	}
}

func TestUploadDirNestedKeys(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "assets/js/app.js", "x")

	store := newFakeStore()
	u := NewUploader(store, nil, testOptions())
	if _, err := u.UploadDir(context.Background(), dir); err != nil {
		t.Fatalf("UploadDir() error = %v", err)
	}
	if _, ok := store.objects["__outputs/p-1/assets/js/app.js"]; !ok {
		t.Errorf("objects = %v, want nested '/'-separated key", store.objects)
	}
}

func TestDetectContentType(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name, body, want string
	}{
		{"style.css", "body{}", "text/css"},
		{"noext", "%PDF-1.4\n", "application/pdf"},
		{"blob", "\x00\x01\x02\x03", "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, dir, tt.name, tt.body)
			if got := DetectContentType(p); !strings.HasPrefix(got, tt.want) {
				t.Errorf("DetectContentType(%s) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}
