package messages

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
)

// EncodeWAV wraps 16-bit mono PCM in a RIFF/WAVE header so clients can hand
// the chunk straight to their audio element.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	dataSize := len(pcm)

	buf := bytes.NewBuffer(make([]byte, 0, 44+dataSize))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(buf, binary.LittleEndian, uint16(16))           // bits per sample

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(pcm)

	return buf.Bytes()
}

// EncodeWAVBase64 returns the base64 form of EncodeWAV, ready for an
// audio-response payload.
func EncodeWAVBase64(pcm []byte, sampleRate int) string {
	return base64.StdEncoding.EncodeToString(EncodeWAV(pcm, sampleRate))
}
