package protocol

import (
	"bytes"
	"testing"
)

func BenchmarkReadFrame(b *testing.B) {
	payload := bytes.Repeat([]byte("x"), 512)
	wire, err := EncodeFrame(FrameTelemetry, payload)
	if err != nil {
		b.Fatal(err)
	}

	r := bytes.NewReader(wire)
	b.SetBytes(int64(len(wire)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Reset(wire)
		if _, err := ReadFrame(r, 1024); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodeFrame(b *testing.B) {
	payload := bytes.Repeat([]byte("x"), 512)
	b.SetBytes(int64(FrameHeaderSize + len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := EncodeFrame(FrameDownlink, payload); err != nil {
			b.Fatal(err)
		}
	}
}
