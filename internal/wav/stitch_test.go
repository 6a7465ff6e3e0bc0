package wav

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	gowav "github.com/go-audio/wav"
	"github.com/loqalabs/loqa-piper/internal/faults"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// rawWAV builds a container by hand: RIFF preamble, the given extra chunks,
// a fmt chunk and a data chunk holding payload.
func rawWAV(payload []byte, extra ...[]byte) []byte {
	var body bytes.Buffer
	body.WriteString("WAVE")
	for _, chunk := range extra {
		body.Write(chunk)
	}
	fmtChunk := make([]byte, 16)
	binary.LittleEndian.PutUint16(fmtChunk[0:], 1)
	binary.LittleEndian.PutUint16(fmtChunk[2:], 1)
	binary.LittleEndian.PutUint32(fmtChunk[4:], 22050)
	binary.LittleEndian.PutUint32(fmtChunk[8:], 44100)
	binary.LittleEndian.PutUint16(fmtChunk[12:], 2)
	binary.LittleEndian.PutUint16(fmtChunk[14:], 16)
	body.Write(chunk("fmt ", fmtChunk))
	body.Write(chunk("data", payload))

	out := make([]byte, 8, 8+body.Len())
	copy(out, "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(body.Len()))
	return append(out, body.Bytes()...)
}

func chunk(id string, data []byte) []byte {
	out := make([]byte, 8, 8+len(data)+1)
	copy(out, id)
	binary.LittleEndian.PutUint32(out[4:], uint32(len(data)))
	out = append(out, data...)
	if len(data)%2 == 1 {
		out = append(out, 0)
	}
	return out
}

func fill(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func dataSize(t *testing.T, buf []byte) int {
	t.Helper()
	seg, err := Locate(buf)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	return int(binary.LittleEndian.Uint32(buf[seg.SizeOffset:]))
}

func TestStitchSingleBufferUnchanged(t *testing.T) {
	in := rawWAV(fill(6, 1))
	out, err := NewStitcher(newLogger()).Stitch([][]byte{in})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatalf("expected byte-identical output")
	}
}

func TestStitchEmptyInput(t *testing.T) {
	_, err := NewStitcher(newLogger()).Stitch(nil)
	if !faults.IsKind(err, faults.KindFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestStitchTwoBuffers(t *testing.T) {
	a := rawWAV(fill(100, 0xA))
	b := rawWAV(fill(60, 0xB))
	headerSize := len(a) - 100

	out, err := NewStitcher(newLogger()).Stitch([][]byte{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != headerSize+160 {
		t.Fatalf("expected length %d, got %d", headerSize+160, len(out))
	}
	if got := dataSize(t, out); got != 160 {
		t.Fatalf("expected data size 160, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(out[4:]); int(got) != headerSize-8+160 {
		t.Fatalf("expected riff size %d, got %d", headerSize-8+160, got)
	}
	if !bytes.Equal(out[:4], a[:4]) || !bytes.Equal(out[12:headerSize-4], a[12:headerSize-4]) {
		t.Fatalf("expected header of first buffer to be preserved")
	}
	if !bytes.Equal(a[headerSize:], fill(100, 0xA)) {
		t.Fatalf("input buffer was modified")
	}
}

func TestStitchPreservesOrderAndSkipsEmptySegments(t *testing.T) {
	a := rawWAV(fill(10, 1))
	b := rawWAV(nil)
	c := rawWAV(fill(20, 3))

	out, err := NewStitcher(newLogger()).Stitch([][]byte{a, b, c})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := dataSize(t, out); got != 30 {
		t.Fatalf("expected data size 30, got %d", got)
	}
	payload := out[len(out)-30:]
	if !bytes.Equal(payload[:10], fill(10, 1)) || !bytes.Equal(payload[10:], fill(20, 3)) {
		t.Fatalf("segments out of order: %v", payload)
	}
}

func TestStitchWalksOddSizedChunks(t *testing.T) {
	list := chunk("LIST", []byte("INFOx"))
	a := rawWAV(fill(4, 7), list)
	b := rawWAV(fill(8, 9))

	seg, err := Locate(a)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if seg.Degraded || seg.Size != 4 {
		t.Fatalf("expected data chunk after padded LIST chunk, got %+v", seg)
	}

	out, err := NewStitcher(newLogger()).Stitch([][]byte{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != seg.PayloadOffset+12 {
		t.Fatalf("expected header of first buffer plus 12 bytes, got %d", len(out))
	}
}

func TestStitchClampsDeclaredSizeToBuffer(t *testing.T) {
	a := rawWAV(fill(10, 1))
	seg, _ := Locate(a)
	binary.LittleEndian.PutUint32(a[seg.SizeOffset:], 1000)

	got, err := Locate(a)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if got.Size != 10 {
		t.Fatalf("expected size clamped to 10, got %d", got.Size)
	}
}

func TestStitchFallbackWhenDataChunkMissing(t *testing.T) {
	good := rawWAV(fill(8, 1))
	broken := make([]byte, 44+6)
	copy(broken, "RIFF")
	copy(broken[12:], "junk")
	binary.LittleEndian.PutUint32(broken[16:], 0xFFFFFF)
	copy(broken[44:], fill(6, 2))

	seg, err := Locate(broken)
	if err != nil {
		t.Fatalf("expected degraded success, got %v", err)
	}
	if !seg.Degraded || seg.PayloadOffset != 44 || seg.Size != 6 {
		t.Fatalf("unexpected fallback segment: %+v", seg)
	}

	out, err := NewStitcher(newLogger()).Stitch([][]byte{good, broken})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := dataSize(t, out); got != 14 {
		t.Fatalf("expected data size 14, got %d", got)
	}
	if !bytes.Equal(out[len(out)-6:], fill(6, 2)) {
		t.Fatalf("expected fallback payload at the end")
	}
}

func TestLocateRejectsTinyBuffer(t *testing.T) {
	if _, err := Locate([]byte("RIFF")); !faults.IsKind(err, faults.KindFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestStitchSkipsUnreadableLaterBuffers(t *testing.T) {
	a := rawWAV(fill(4, 1))
	c := rawWAV(fill(2, 3))
	preamble := []byte("RIFF\x00\x00\x00\x00WAVE")

	for _, middle := range [][]byte{{}, preamble} {
		out, err := NewStitcher(newLogger()).Stitch([][]byte{a, middle, c})
		if err != nil {
			t.Fatalf("expected degraded stitch, got %v", err)
		}
		if got := dataSize(t, out); got != 6 {
			t.Fatalf("expected data size 6, got %d", got)
		}
		want := append(fill(4, 1), fill(2, 3)...)
		if !bytes.Equal(out[len(out)-6:], want) {
			t.Fatalf("expected payloads of the readable buffers in order")
		}
	}
}

func TestStitchRejectsUnreadableFirstBuffer(t *testing.T) {
	_, err := NewStitcher(newLogger()).Stitch([][]byte{{}, rawWAV(fill(2, 1))})
	if !faults.IsKind(err, faults.KindFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestContainerSizeOverflow(t *testing.T) {
	if _, err := containerSize(44, math.MaxUint32); !faults.IsKind(err, faults.KindFormat) {
		t.Fatalf("expected overflow to fail with format error, got %v", err)
	}
	size, err := containerSize(44, 100)
	if err != nil || size != 136 {
		t.Fatalf("expected 136, got %d (%v)", size, err)
	}
}

func TestStitchEncodedClipsDecode(t *testing.T) {
	first, err := EncodePCM16([]int{1, 2, 3, 4}, 22050, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := EncodePCM16([]int{5, 6}, 22050, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := NewStitcher(newLogger()).Stitch([][]byte{first, second})
	if err != nil {
		t.Fatalf("stitch: %v", err)
	}

	if !gowav.NewDecoder(bytes.NewReader(out)).IsValidFile() {
		t.Fatalf("stitched output is not a valid wav file")
	}
	buf, err := gowav.NewDecoder(bytes.NewReader(out)).FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []int{1, 2, 3, 4, 5, 6}
	if len(buf.Data) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(buf.Data))
	}
	for i, v := range want {
		if buf.Data[i] != v {
			t.Fatalf("sample %d: expected %d, got %d", i, v, buf.Data[i])
		}
	}
}

func TestDuration(t *testing.T) {
	// 44100 bytes per second in rawWAV's fmt chunk.
	d, err := Duration(rawWAV(fill(22050, 0)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 500*time.Millisecond {
		t.Fatalf("expected 500ms, got %v", d)
	}
	if _, err := Duration([]byte("nope")); err == nil {
		t.Fatalf("expected error for non-RIFF input")
	}
}
