package wav

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func u32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func u16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

func TestEncode_HeaderFields(t *testing.T) {
	// 4 samples of 16-bit mono audio
	pcm := []byte{0x01, 0x00, 0xff, 0x7f, 0x00, 0x80, 0x00, 0x00}

	out := Encode(pcm, 16000, 1, 16)

	if len(out) != headerSize+len(pcm) {
		t.Fatalf("len = %d, want %d", len(out), headerSize+len(pcm))
	}
	if !bytes.Equal(out[0:4], []byte("RIFF")) {
		t.Errorf("magic = %q, want RIFF", out[0:4])
	}
	if got, want := u32(out[4:8]), uint32(36+len(pcm)); got != want {
		t.Errorf("chunk size = %d, want %d", got, want)
	}
	if !bytes.Equal(out[8:12], []byte("WAVE")) {
		t.Errorf("format = %q, want WAVE", out[8:12])
	}
	if !bytes.Equal(out[12:16], []byte("fmt ")) {
		t.Errorf("fmt marker = %q, want 'fmt '", out[12:16])
	}
	if got := u32(out[16:20]); got != 16 {
		t.Errorf("fmt chunk size = %d, want 16", got)
	}
	if got := u16(out[20:22]); got != 1 {
		t.Errorf("audio format = %d, want 1 (PCM)", got)
	}
	if got := u16(out[22:24]); got != 1 {
		t.Errorf("channels = %d, want 1", got)
	}
	if got := u32(out[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := u32(out[28:32]); got != 32000 {
		t.Errorf("byte rate = %d, want 32000", got)
	}
	if got := u16(out[32:34]); got != 2 {
		t.Errorf("block align = %d, want 2", got)
	}
	if got := u16(out[34:36]); got != 16 {
		t.Errorf("bits per sample = %d, want 16", got)
	}
	if !bytes.Equal(out[36:40], []byte("data")) {
		t.Errorf("data marker = %q, want data", out[36:40])
	}
	if got := u32(out[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
	if !bytes.Equal(out[44:], pcm) {
		t.Errorf("payload does not match input PCM")
	}
}

func TestEncode_EmptyInput(t *testing.T) {
	out := Encode(nil, 16000, 1, 16)

	if len(out) != headerSize {
		t.Fatalf("len = %d, want %d", len(out), headerSize)
	}
	if got := u32(out[4:8]); got != 36 {
		t.Errorf("chunk size = %d, want 36", got)
	}
	if got := u32(out[40:44]); got != 0 {
		t.Errorf("data size = %d, want 0", got)
	}
}

func TestEncode_StereoByteRate(t *testing.T) {
	out := Encode(make([]byte, 16), 44100, 2, 16)

	if got := u32(out[28:32]); got != 44100*2*2 {
		t.Errorf("byte rate = %d, want %d", got, 44100*2*2)
	}
	if got := u16(out[32:34]); got != 4 {
		t.Errorf("block align = %d, want 4", got)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name   string
		pcmLen int
		want   time.Duration
	}{
		{"one second", 32000, time.Second},
		{"half second", 16000, 500 * time.Millisecond},
		{"empty", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Duration(tt.pcmLen, 16000, 1, 16); got != tt.want {
				t.Errorf("Duration() = %v, want %v", got, tt.want)
			}
		})
	}
}
