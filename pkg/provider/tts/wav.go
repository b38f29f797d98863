package tts

import "encoding/binary"

// WAVDurationMS decodes the playback duration of a RIFF/WAVE payload
// from its fmt and data chunks. Returns 0 and false when the payload is
// not parseable WAV; callers then fall back to the provider-declared
// duration.
func WAVDurationMS(b []byte) (int64, bool) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return 0, false
	}

	var byteRate uint32
	var dataLen uint32
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := binary.LittleEndian.Uint32(b[off+4 : off+8])
		body := off + 8
		switch id {
		case "fmt ":
			if body+16 > len(b) {
				return 0, false
			}
			byteRate = binary.LittleEndian.Uint32(b[body+8 : body+12])
		case "data":
			dataLen = size
		}
		// Chunks are word-aligned.
		off = body + int(size)
		if size%2 == 1 {
			off++
		}
	}

	if byteRate == 0 || dataLen == 0 {
		return 0, false
	}
	return int64(dataLen) * 1000 / int64(byteRate), true
}
