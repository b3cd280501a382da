package main

import "encoding/binary"

const (
	wavFormatMulaw = 7

	// fmt chunk for non-PCM formats carries a trailing cbSize field.
	wavFmtChunkSize = 18
	wavHeaderSize   = 58
)

// mulawToWAV wraps 8-bit mono μ-law samples in a WAV container.
func mulawToWAV(samples []byte, sampleRate int) []byte {
	dataLen := len(samples)

	header := make([]byte, wavHeaderSize)

	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(wavHeaderSize-8+dataLen))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], wavFmtChunkSize)
	binary.LittleEndian.PutUint16(header[20:22], wavFormatMulaw)
	binary.LittleEndian.PutUint16(header[22:24], 1)                  // channels
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate)) // byte rate
	binary.LittleEndian.PutUint16(header[32:34], 1)                  // block align
	binary.LittleEndian.PutUint16(header[34:36], 8)                  // bits per sample
	binary.LittleEndian.PutUint16(header[36:38], 0)                  // cbSize

	copy(header[38:42], "fact")
	binary.LittleEndian.PutUint32(header[42:46], 4)
	binary.LittleEndian.PutUint32(header[46:50], uint32(dataLen))

	copy(header[50:54], "data")
	binary.LittleEndian.PutUint32(header[54:58], uint32(dataLen))

	return append(header, samples...)
}
