package wav

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/loqalabs/loqa-piper/internal/faults"
)

const (
	preambleSize = 12

	// A canonical PCM header is 44 bytes with the data size at 40. Used only
	// when no data chunk can be found.
	fallbackHeaderSize = 44
	fallbackDataSizeAt = 40
	riffSizeAt         = 4
	chunkHeaderSize    = 8
	fmtByteRateAt      = 8
	minFmtChunkSize    = 16
	maxContainerSize   = math.MaxUint32
)

var (
	tagRIFF = []byte("RIFF")
	tagData = []byte("data")
	tagFmt  = []byte("fmt ")
)

// Segment describes where the sample data of one buffer lives.
type Segment struct {
	// PayloadOffset is the first byte after the data chunk header.
	PayloadOffset int
	// SizeOffset is where the data chunk's size field is stored.
	SizeOffset int
	// Size is the number of payload bytes available, never past the end of
	// the buffer.
	Size int
	// Degraded is set when the chunk list could not be walked and the
	// fixed 44 byte layout was assumed.
	Degraded bool
}

// Locate walks the chunk list of buf looking for the data chunk.
func Locate(buf []byte) (Segment, error) {
	offset := preambleSize
	for offset+chunkHeaderSize <= len(buf) {
		id := buf[offset : offset+4]
		size := int64(binary.LittleEndian.Uint32(buf[offset+4 : offset+8]))
		if bytes.Equal(id, tagData) {
			start := offset + chunkHeaderSize
			return Segment{
				PayloadOffset: start,
				SizeOffset:    offset + 4,
				Size:          clamp(size, len(buf)-start),
			}, nil
		}
		// RIFF chunks are word aligned.
		next := int64(offset) + chunkHeaderSize + size + size&1
		if next > int64(len(buf)) {
			break
		}
		offset = int(next)
	}

	if len(buf) < fallbackHeaderSize {
		return Segment{}, faults.New(faults.KindFormat, "wav.locate",
			fmt.Sprintf("no data chunk and buffer too short for fallback header (%d bytes)", len(buf)))
	}
	return Segment{
		PayloadOffset: fallbackHeaderSize,
		SizeOffset:    fallbackDataSizeAt,
		Size:          len(buf) - fallbackHeaderSize,
		Degraded:      true,
	}, nil
}

func clamp(declared int64, available int) int {
	if available < 0 {
		return 0
	}
	if declared > int64(available) {
		return available
	}
	return int(declared)
}

// Stitcher concatenates WAV buffers that share the same audio format.
type Stitcher struct {
	log *slog.Logger
}

func NewStitcher(log *slog.Logger) *Stitcher {
	if log == nil {
		log = slog.Default()
	}
	return &Stitcher{log: log.With(slog.String("component", "wav"))}
}

// Stitch returns one buffer playing every input in order. The header of the
// first input is kept with its RIFF and data sizes rewritten. A single input
// is returned as is. Inputs are never modified.
func (s *Stitcher) Stitch(buffers [][]byte) ([]byte, error) {
	switch len(buffers) {
	case 0:
		return nil, faults.New(faults.KindFormat, "wav.stitch", "no buffers to stitch")
	case 1:
		return buffers[0], nil
	}

	segments := make([]Segment, len(buffers))
	var total int64
	for i, buf := range buffers {
		seg, err := Locate(buf)
		if err != nil {
			// The first buffer supplies the header; later ones only
			// contribute samples, so an unusable one contributes none.
			if i == 0 {
				return nil, fmt.Errorf("buffer %d: %w", i, err)
			}
			seg = Segment{PayloadOffset: len(buf), Degraded: true}
		}
		if seg.Degraded {
			s.log.Warn("data chunk not found, assuming canonical header",
				slog.Int("index", i),
				slog.Int("length", len(buf)),
				slog.String("kind", string(faults.KindFormat)),
			)
		}
		segments[i] = seg
		total += int64(seg.Size)
	}

	headerSize := segments[0].PayloadOffset
	riffSize, err := containerSize(headerSize, total)
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize, int64(headerSize)+total)
	copy(out, buffers[0][:headerSize])
	for i, seg := range segments {
		out = append(out, buffers[i][seg.PayloadOffset:seg.PayloadOffset+seg.Size]...)
	}

	binary.LittleEndian.PutUint32(out[riffSizeAt:], riffSize)
	binary.LittleEndian.PutUint32(out[segments[0].SizeOffset:], uint32(total))
	return out, nil
}

// containerSize is the RIFF size field for a header of headerSize bytes
// followed by total payload bytes.
func containerSize(headerSize int, total int64) (uint32, error) {
	size := int64(headerSize) - 8 + total
	if size > maxContainerSize {
		return 0, faults.New(faults.KindFormat, "wav.stitch",
			fmt.Sprintf("combined payload of %d bytes overflows the 32-bit RIFF size", total))
	}
	return uint32(size), nil
}

// Duration computes the playback length of buf from the byte rate in its
// fmt chunk and the size of its data chunk.
func Duration(buf []byte) (time.Duration, error) {
	if len(buf) < preambleSize || !bytes.Equal(buf[:4], tagRIFF) {
		return 0, faults.New(faults.KindFormat, "wav.duration", "not a RIFF buffer")
	}
	var byteRate uint32
	offset := preambleSize
	for offset+chunkHeaderSize <= len(buf) {
		id := buf[offset : offset+4]
		size := int64(binary.LittleEndian.Uint32(buf[offset+4 : offset+8]))
		start := offset + chunkHeaderSize
		if bytes.Equal(id, tagFmt) && size >= minFmtChunkSize && start+minFmtChunkSize <= len(buf) {
			byteRate = binary.LittleEndian.Uint32(buf[start+fmtByteRateAt:])
		}
		if bytes.Equal(id, tagData) {
			if byteRate == 0 {
				return 0, faults.New(faults.KindFormat, "wav.duration", "fmt chunk missing or byte rate is zero")
			}
			n := clamp(size, len(buf)-start)
			return time.Duration(float64(n) / float64(byteRate) * float64(time.Second)), nil
		}
		next := int64(start) + size + size&1
		if next > int64(len(buf)) {
			break
		}
		offset = int(next)
	}
	return 0, faults.New(faults.KindFormat, "wav.duration", "data chunk not found")
}
