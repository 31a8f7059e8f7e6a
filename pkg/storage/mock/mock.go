// Package mock provides a test double for the storage.Uploader interface.
//
// Example:
//
//	u := &mock.Uploader{BaseURL: "https://x"}
//	url, _ := u.Upload(ctx, "audio/1.wav", data, "audio/wav") // "https://x/audio/1.wav"
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/voxtalk/pkg/storage"
)

// UploadCall records a single invocation of Upload.
type UploadCall struct {
	Key         string
	Data        []byte
	ContentType string
}

// Uploader is a mock implementation of storage.Uploader.
type Uploader struct {
	mu sync.Mutex

	// BaseURL prefixes returned URLs. Defaults to "https://mock".
	BaseURL string

	// URLFunc, if set, computes the returned URL from the key.
	URLFunc func(key string) string

	// UploadErr, if non-nil, is returned by Upload.
	UploadErr error

	// DeleteErr, if non-nil, is returned by Delete.
	DeleteErr error

	// UploadCalls records every Upload in order.
	UploadCalls []UploadCall

	// Deleted records every URL passed to Delete in order.
	Deleted []string
}

var _ storage.Uploader = (*Uploader)(nil)

// Upload records the call and returns BaseURL/key or URLFunc(key).
func (u *Uploader) Upload(_ context.Context, key string, data []byte, contentType string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	u.UploadCalls = append(u.UploadCalls, UploadCall{Key: key, Data: cp, ContentType: contentType})
	if u.UploadErr != nil {
		return "", u.UploadErr
	}
	if u.URLFunc != nil {
		return u.URLFunc(key), nil
	}
	base := u.BaseURL
	if base == "" {
		base = "https://mock"
	}
	return strings.TrimRight(base, "/") + "/" + key, nil
}

// Delete records url and returns DeleteErr.
func (u *Uploader) Delete(_ context.Context, url string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Deleted = append(u.Deleted, url)
	return u.DeleteErr
}

// Uploads returns a copy of the recorded Upload calls. Thread-safe.
func (u *Uploader) Uploads() []UploadCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]UploadCall, len(u.UploadCalls))
	copy(out, u.UploadCalls)
	return out
}
