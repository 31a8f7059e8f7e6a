// Package audio identifies audio containers and reads WAV headers.
//
// voxtalk never decodes or resamples audio; it only checks gross container
// constraints before a recording is uploaded and sanity-checks WAV replies
// from synthesis backends.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Container is a lower-case audio container name, also used as file extension.
type Container string

const (
	Unknown Container = ""
	WAV     Container = "wav"
	MP3     Container = "mp3"
	AAC     Container = "aac"
	FLAC    Container = "flac"
	AMR     Container = "amr"
	M4A     Container = "m4a"
	OGG     Container = "ogg"
)

// ContentType returns the MIME type for c, or application/octet-stream.
func (c Container) ContentType() string {
	switch c {
	case WAV:
		return "audio/wav"
	case MP3:
		return "audio/mpeg"
	case AAC:
		return "audio/aac"
	case FLAC:
		return "audio/flac"
	case AMR:
		return "audio/amr"
	case M4A:
		return "audio/mp4"
	case OGG:
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

// Detect identifies the container of data by its leading magic bytes. It
// returns [Unknown] when nothing matches.
func Detect(data []byte) Container {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return WAV
	case bytes.HasPrefix(data, []byte("fLaC")):
		return FLAC
	case bytes.HasPrefix(data, []byte("#!AMR")):
		return AMR
	case bytes.HasPrefix(data, []byte("OggS")):
		return OGG
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return M4A
	case bytes.HasPrefix(data, []byte("ID3")):
		return MP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xF6 == 0xF0:
		// ADTS: sync word plus layer bits 00.
		return AAC
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 && data[1]&0x06 != 0:
		return MP3
	}
	return Unknown
}

// WAV format tags.
const (
	FormatPCM        uint16 = 1
	FormatFloat      uint16 = 3
	FormatExtensible uint16 = 0xFFFE
)

// WAVInfo is the parsed fmt chunk of a RIFF/WAVE file plus the location of
// its sample data.
type WAVInfo struct {
	AudioFormat   uint16
	Channels      int
	SampleRate    int
	BitsPerSample int

	// DataOffset is the byte offset of the first sample. DataSize is the
	// declared size of the data chunk, clamped to the bytes present.
	DataOffset int
	DataSize   int
}

// PCM reports whether the samples are integer PCM, directly or through
// WAVE_FORMAT_EXTENSIBLE.
func (w WAVInfo) PCM() bool {
	return w.AudioFormat == FormatPCM || w.AudioFormat == FormatExtensible
}

// Duration returns the playback length in seconds, or 0 if unknown.
func (w WAVInfo) Duration() float64 {
	frame := w.Channels * w.BitsPerSample / 8
	if frame == 0 || w.SampleRate == 0 {
		return 0
	}
	return float64(w.DataSize/frame) / float64(w.SampleRate)
}

// ErrNotWAV is returned by [ParseWAV] for data without a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

// ParseWAV walks the RIFF chunks of data and returns the fmt chunk fields and
// the data chunk location. Both chunks are required.
func ParseWAV(data []byte) (WAVInfo, error) {
	if Detect(data) != WAV {
		return WAVInfo{}, ErrNotWAV
	}

	var info WAVInfo
	foundFmt := false
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return WAVInfo{}, fmt.Errorf("audio: fmt chunk too short (%d bytes)", size)
			}
			f := data[body:]
			info.AudioFormat = binary.LittleEndian.Uint16(f[0:2])
			info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return WAVInfo{}, errors.New("audio: data chunk precedes fmt chunk")
			}
			info.DataOffset = body
			info.DataSize = min(size, len(data)-body)
			return info, nil
		}

		offset = body + size
		if size%2 != 0 {
			offset++
		}
	}
	if !foundFmt {
		return WAVInfo{}, errors.New("audio: missing fmt chunk")
	}
	return WAVInfo{}, errors.New("audio: missing data chunk")
}

// BuildWAV returns a canonical 44-byte-header PCM WAV around pcm.
func BuildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], FormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitsPerSample))
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
