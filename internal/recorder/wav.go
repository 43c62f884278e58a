package recorder

import (
	"encoding/binary"
	"io"

	"github.com/satindergrewal/chordsync/internal/audio"
)

// writeWAV writes interleaved s16 samples as a canonical PCM WAV file.
func writeWAV(w io.Writer, samples []int16) error {
	const (
		headerSize = 44
		blockAlign = audio.Channels * audio.BitDepth / 8
		byteRate   = audio.SampleRate * blockAlign
	)
	dataSize := uint32(len(samples) * 2)

	hdr := make([]byte, headerSize)
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], 36+dataSize)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], audio.Channels)
	binary.LittleEndian.PutUint32(hdr[24:28], audio.SampleRate)
	binary.LittleEndian.PutUint32(hdr[28:32], byteRate)
	binary.LittleEndian.PutUint16(hdr[32:34], blockAlign)
	binary.LittleEndian.PutUint16(hdr[34:36], audio.BitDepth)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(audio.SamplesToBytes(samples))
	return err
}
