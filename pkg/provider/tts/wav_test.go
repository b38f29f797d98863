package tts

import (
	"encoding/binary"
	"testing"
)

// buildWAV constructs a minimal RIFF/WAVE payload with the given byte
// rate and data length.
func buildWAV(byteRate, dataLen uint32) []byte {
	data := make([]byte, dataLen)
	buf := make([]byte, 0, 44+int(dataLen))

	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, 36+dataLen)
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	fmtChunk := make([]byte, 16)
	binary.LittleEndian.PutUint16(fmtChunk[0:2], 1)  // PCM
	binary.LittleEndian.PutUint16(fmtChunk[2:4], 1)  // mono
	binary.LittleEndian.PutUint32(fmtChunk[4:8], byteRate/2)
	binary.LittleEndian.PutUint32(fmtChunk[8:12], byteRate)
	binary.LittleEndian.PutUint16(fmtChunk[12:14], 2)
	binary.LittleEndian.PutUint16(fmtChunk[14:16], 16)
	buf = append(buf, fmtChunk...)

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, dataLen)
	buf = append(buf, data...)
	return buf
}

func TestWAVDurationMS(t *testing.T) {
	// 32000 B/s byte rate, 64000 bytes of samples = 2000 ms.
	b := buildWAV(32000, 64000)
	ms, ok := WAVDurationMS(b)
	if !ok {
		t.Fatal("expected parseable WAV")
	}
	if ms != 2000 {
		t.Errorf("duration = %d ms, want 2000", ms)
	}
}

func TestWAVDurationMS_NotWAV(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("ID3\x04mp3 data here..."),
		[]byte("RIFF"),
	}
	for _, b := range cases {
		if _, ok := WAVDurationMS(b); ok {
			t.Errorf("payload %q parsed as WAV", b)
		}
	}
}
