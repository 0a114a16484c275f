package meshtastic

import (
	"bytes"
	"encoding/binary"
	"io"
	"log"
	"strings"
	"testing"
	"time"
)

func TestFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, &buf)

	payloads := [][]byte{
		[]byte("first"),
		{},
		bytes.Repeat([]byte{0xAB}, maxFrameLen),
	}
	for _, p := range payloads {
		if err := f.WriteFrame(p); err != nil {
			t.Fatalf("write %d bytes: %v", len(p), err)
		}
	}

	for i, want := range payloads {
		got, err := f.ReadFrame()
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
}

func TestFramerSkipsDebugNoise(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("INFO | device booted\r\n")
	buf.WriteByte(magic1) // stray magic1 not followed by magic2
	buf.WriteString("more noise")

	f := NewFramer(&buf, &buf)
	if err := f.WriteFrame([]byte("real frame")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := f.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "real frame" {
		t.Errorf("got %q", got)
	}
}

func TestFramerResyncsOnImplausibleLength(t *testing.T) {
	var buf bytes.Buffer

	// A header claiming a body far beyond the frame cap: sync was lost.
	bogus := [4]byte{magic1, magic2}
	binary.BigEndian.PutUint16(bogus[2:], 0xFFFF)
	buf.Write(bogus[:])

	f := NewFramer(&buf, &buf)
	if err := f.WriteFrame([]byte("after resync")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := f.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "after resync" {
		t.Errorf("got %q", got)
	}
}

func TestFramerRejectsOversizedWrite(t *testing.T) {
	f := NewFramer(nil, io.Discard)
	if err := f.WriteFrame(make([]byte, maxFrameLen+1)); err == nil {
		t.Fatal("oversized frame should be rejected")
	}
}

func TestFramerEOFMidFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{magic1, magic2, 0x00, 0x10, 0x01}) // 16-byte body, 1 present

	f := NewFramer(&buf, &buf)
	if _, err := f.ReadFrame(); err == nil {
		t.Fatal("truncated frame should error")
	}
}

func TestClampDelay(t *testing.T) {
	if got := ClampDelay(5); got != 5*time.Second {
		t.Errorf("above-floor delay changed: %s", got)
	}
	if got := ClampDelay(0.5); got != minSendDelay {
		t.Errorf("sub-floor delay not clamped: %s", got)
	}
	if got := ClampDelay(2.1); got != minSendDelay {
		t.Errorf("exact floor: %s", got)
	}
}

func TestClampDelayWarnsOncePerValue(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	ClampDelay(0.123)
	ClampDelay(0.123)
	ClampDelay(0.123)

	if n := strings.Count(buf.String(), "0.123"); n != 1 {
		t.Errorf("expected one warning for a repeated value, got %d:\n%s", n, buf.String())
	}
}
