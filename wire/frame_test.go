package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTripUncompressed(t *testing.T) {
	body := []byte("small payload")
	framed := FrameBody(body, 0)
	got, err := UnframeBody(framed, 0)
	if err != nil {
		t.Fatalf("unframe: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("got %q, want %q", got, body)
	}
}

func TestFrameRoundTripCompressed(t *testing.T) {
	body := bytes.Repeat([]byte("repetitive-payload-"), 1000)
	framed := FrameBody(body, 64)
	if framed[0]&frameCompressedBit == 0 {
		t.Fatal("expected compressed flag to be set")
	}
	got, err := UnframeBody(framed, len(body))
	if err != nil {
		t.Fatalf("unframe: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Error("decompressed payload does not match original")
	}
}

func TestUnframeDetectsCorruption(t *testing.T) {
	framed := FrameBody([]byte("hello"), 0)
	framed[1] ^= 0xFF
	if _, err := UnframeBody(framed, 0); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestUnframeDetectsTruncation(t *testing.T) {
	if _, err := UnframeBody([]byte{0x00}, 0); err == nil {
		t.Fatal("expected too-short error")
	}
}
