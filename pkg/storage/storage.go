// Package storage defines the Uploader interface used to publish binary assets
// (user recordings, synthesized replies) under publicly fetchable URLs.
//
// Implementations must be safe for concurrent use.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"unicode"
)

// ErrForeignURL is returned by Delete when the URL was not issued by the
// uploader it is passed to.
var ErrForeignURL = errors.New("storage: url does not belong to this store")

// ErrInvalidKey is returned for empty keys or keys that escape the store root.
var ErrInvalidKey = errors.New("storage: invalid object key")

// Uploader pushes objects to a store that serves them over HTTP.
type Uploader interface {
	// Upload stores data under key and returns its public URL.
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Delete removes the object previously returned by Upload as url.
	Delete(ctx context.Context, url string) error
}

// CleanKey normalises key to a slash-separated relative path and rejects keys
// that are empty or climb out of the root.
func CleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.ReplaceAll(key, "\\", "/"), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

// KeyFromURL strips base (with or without trailing slash) from url and returns
// the object key. It fails with [ErrForeignURL] when url is not under base.
func KeyFromURL(base, url string) (string, error) {
	prefix := strings.TrimRight(base, "/") + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", ErrForeignURL
	}
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	return CleanKey(strings.TrimPrefix(url, prefix))
}

// ContentTypeExt returns the conventional file extension for an audio MIME
// type, or "bin" when it is unknown.
func ContentTypeExt(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/ogg", "audio/opus":
		return "ogg"
	case "audio/aac":
		return "aac"
	case "audio/flac", "audio/x-flac":
		return "flac"
	case "audio/amr":
		return "amr"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "m4a"
	case "audio/pcm":
		return "pcm"
	default:
		return "bin"
	}
}

// SafeName reduces an uploaded file name to its base name with everything
// outside [A-Za-z0-9._-] replaced by '_', so it can be embedded in a key.
// Names longer than 96 bytes keep their tail, which holds the extension.
func SafeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	clean := strings.Map(func(r rune) rune {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	clean = strings.TrimLeft(clean, ".")
	if clean == "" {
		return "file"
	}
	if len(clean) > 96 {
		clean = clean[len(clean)-96:]
	}
	return clean
}
