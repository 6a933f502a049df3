package audio

import (
	"bytes"
	"encoding/binary"

	"sage/internal/ports"
)

// EncodeWAV wraps captured PCM in a canonical 44-byte RIFF header.
func EncodeWAV(a ports.Audio) []byte {
	channels := a.Channels
	if channels <= 0 {
		channels = 1
	}
	const bitsPerSample = 16
	blockAlign := channels * bitsPerSample / 8
	byteRate := a.SampleRate * blockAlign

	var buf bytes.Buffer
	buf.Grow(44 + len(a.PCM))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(a.PCM)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(a.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(a.PCM)))
	buf.Write(a.PCM)
	return buf.Bytes()
}
