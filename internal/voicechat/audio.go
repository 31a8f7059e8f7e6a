package voicechat

import (
	"errors"
	"path"
	"slices"
	"strings"

	"github.com/MrWong99/voxtalk/pkg/audio"
)

// Size limits for uploaded recordings.
const (
	DefaultMinAudioBytes = 1 << 10
	DefaultMaxAudioBytes = 10 << 20
	HardMaxAudioBytes    = 512 << 20
)

// DefaultAllowedFormats lists the containers accepted by default.
var DefaultAllowedFormats = []string{"wav", "mp3", "aac", "flac", "amr", "m4a"}

// AudioPolicy bounds the recordings a voice turn accepts. Checks are purely
// structural; samples are never decoded.
type AudioPolicy struct {
	MinBytes       int
	MaxBytes       int
	AllowedFormats []string
	RequireMonoWAV bool
}

// DefaultAudioPolicy returns the policy used when none is configured.
func DefaultAudioPolicy() AudioPolicy {
	return AudioPolicy{
		MinBytes:       DefaultMinAudioBytes,
		MaxBytes:       DefaultMaxAudioBytes,
		AllowedFormats: slices.Clone(DefaultAllowedFormats),
		RequireMonoWAV: true,
	}
}

// normalize fills zero fields with defaults and clamps MaxBytes to
// [HardMaxAudioBytes].
func (p AudioPolicy) normalize() AudioPolicy {
	if p.MinBytes <= 0 {
		p.MinBytes = DefaultMinAudioBytes
	}
	if p.MaxBytes <= 0 {
		p.MaxBytes = DefaultMaxAudioBytes
	}
	p.MaxBytes = min(p.MaxBytes, HardMaxAudioBytes)
	if len(p.AllowedFormats) == 0 {
		p.AllowedFormats = DefaultAllowedFormats
	}
	p.AllowedFormats = slices.Clone(p.AllowedFormats)
	for i, f := range p.AllowedFormats {
		p.AllowedFormats[i] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "."))
	}
	return p
}

// Validate checks a recording against the policy and returns its container.
// All failures are [KindValidation] errors.
func (p AudioPolicy) Validate(filename string, data []byte) (audio.Container, error) {
	p = p.normalize()

	switch {
	case len(data) == 0:
		return audio.Unknown, newError(KindValidation, nil, "audio file is empty")
	case len(data) < p.MinBytes:
		return audio.Unknown, newError(KindValidation, nil, "audio file too small: %d bytes, minimum %d", len(data), p.MinBytes)
	case len(data) > p.MaxBytes:
		return audio.Unknown, newError(KindValidation, nil, "audio file too large: %d bytes, maximum %d", len(data), p.MaxBytes)
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" {
		return audio.Unknown, newError(KindValidation, nil, "audio file %q has no extension", filename)
	}
	if !slices.Contains(p.AllowedFormats, ext) {
		return audio.Unknown, newError(KindValidation, nil, "audio format %q not allowed, supported: %s", ext, strings.Join(p.AllowedFormats, ", "))
	}
	format := audio.Container(ext)

	// Magic bytes win over the extension when they are recognisable.
	if detected := audio.Detect(data); detected != audio.Unknown && !compatible(format, detected) {
		return audio.Unknown, newError(KindValidation, nil, "file extension %q does not match %s content", ext, detected)
	}

	if format == audio.WAV {
		if err := p.checkWAV(data); err != nil {
			return audio.Unknown, err
		}
	}
	return format, nil
}

func (p AudioPolicy) checkWAV(data []byte) error {
	info, err := audio.ParseWAV(data)
	if errors.Is(err, audio.ErrNotWAV) {
		return newError(KindValidation, err, "wav file lacks a RIFF/WAVE header")
	}
	if err != nil {
		return newError(KindValidation, err, "malformed wav file")
	}
	if !info.PCM() {
		return newError(KindValidation, nil, "wav audio format %d is not PCM", info.AudioFormat)
	}
	if p.RequireMonoWAV && info.Channels != 1 {
		return newError(KindValidation, nil, "wav audio must be mono, got %d channels", info.Channels)
	}
	return nil
}

// compatible reports whether an extension may carry content detected as got.
// AAC is often shipped inside MP4 and vice versa.
func compatible(ext, got audio.Container) bool {
	if ext == got {
		return true
	}
	aacFamily := func(c audio.Container) bool { return c == audio.AAC || c == audio.M4A }
	return aacFamily(ext) && aacFamily(got)
}
