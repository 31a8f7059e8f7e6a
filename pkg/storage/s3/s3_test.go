package s3_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/voxtalk/pkg/storage"
	"github.com/MrWong99/voxtalk/pkg/storage/s3"
)

// fakeBucket is a minimal path-style S3 endpoint holding objects in memory.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	authz   []string
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authz = append(f.authz, r.Header.Get("Authorization"))

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newUploader(t *testing.T, f *fakeBucket) *s3.Uploader {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	u, err := s3.New(s3.Config{
		Endpoint:        srv.URL,
		Region:          "cn-shanghai",
		Bucket:          "voices",
		AccessKeyID:     "AKID",
		AccessKeySecret: "secret",
		PublicBaseURL:   "https://cdn.example.com/voices/",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return u
}

func TestUploadAndDelete(t *testing.T) {
	t.Parallel()

	f := newFakeBucket()
	u := newUploader(t, f)
	ctx := context.Background()

	url, err := u.Upload(ctx, "/audio/01J_hello.wav", []byte("RIFFdata"), "audio/wav")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url != "https://cdn.example.com/voices/audio/01J_hello.wav" {
		t.Errorf("url = %q", url)
	}

	f.mu.Lock()
	body, ok := f.objects["/voices/audio/01J_hello.wav"]
	ct := f.types["/voices/audio/01J_hello.wav"]
	auth := f.authz[0]
	f.mu.Unlock()
	if !ok || string(body) != "RIFFdata" {
		t.Fatalf("stored object = %q (present %v)", body, ok)
	}
	if ct != "audio/wav" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKID/") {
		t.Errorf("authorization = %q, want SigV4 with static key", auth)
	}

	if err := u.Delete(ctx, url); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	f.mu.Lock()
	_, ok = f.objects["/voices/audio/01J_hello.wav"]
	f.mu.Unlock()
	if ok {
		t.Error("object still present after Delete")
	}
}

func TestDelete_ForeignURL(t *testing.T) {
	t.Parallel()

	u := newUploader(t, newFakeBucket())
	if err := u.Delete(context.Background(), "https://elsewhere/a.wav"); !errors.Is(err, storage.ErrForeignURL) {
		t.Fatalf("err = %v, want ErrForeignURL", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := s3.New(s3.Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestPublicBaseDefaults(t *testing.T) {
	t.Parallel()

	u, err := s3.New(s3.Config{
		Endpoint: "https://oss-cn-shanghai.aliyuncs.com", Bucket: "b",
		AccessKeyID: "id", AccessKeySecret: "s",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := u.BaseURL(); got != "https://b.oss-cn-shanghai.aliyuncs.com" {
		t.Errorf("virtual-host base = %q", got)
	}

	u, _ = s3.New(s3.Config{
		Endpoint: "http://minio:9000", Bucket: "b", UsePathStyle: true,
		AccessKeyID: "id", AccessKeySecret: "s",
	})
	if got := u.BaseURL(); got != "http://minio:9000/b" {
		t.Errorf("path-style base = %q", got)
	}
}
