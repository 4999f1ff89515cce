package pilight

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

// newPipeTransport returns a transport reading from one end of an
// in-memory pipe and the other end for the test to write to. Every Write
// on the peer end is delivered to a separate Read.
func newPipeTransport(t *testing.T, readTimeout time.Duration) (*frameTransport, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return newFrameTransport(client, readTimeout, nil), server
}

// writeChunks writes each chunk with a separate Write call.
func writeChunks(conn net.Conn, chunks ...[]byte) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		for _, c := range chunks {
			if _, err := conn.Write(c); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()
	return errCh
}

func readN(t *testing.T, tr *frameTransport, n int) [][]byte {
	t.Helper()
	var frames [][]byte
	deadline := time.Now().Add(2 * time.Second)
	stop := func() bool { return time.Now().After(deadline) }
	for len(frames) < n {
		frame, err := tr.readFrame(stop, nil)
		if err != nil {
			t.Fatalf("readFrame() after %d frames: %v", len(frames), err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestFrameTransport_ReassemblesAnySplit(t *testing.T) {
	stream := []byte("{\"origin\":\"update\",\"type\":1}\n\n{\"status\":\"success\"}\n\n")
	want := [][]byte{
		[]byte(`{"origin":"update","type":1}`),
		[]byte(`{"status":"success"}`),
	}

	for split := 1; split < len(stream); split++ {
		tr, server := newPipeTransport(t, 50*time.Millisecond)
		errCh := writeChunks(server, stream[:split], stream[split:])

		got := readN(t, tr, len(want))
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Fatalf("split %d: frame %d = %q, want %q", split, i, got[i], want[i])
			}
		}
		if err := <-errCh; err != nil {
			t.Fatalf("split %d: write error: %v", split, err)
		}
	}
}

func TestFrameTransport_ByteAtATime(t *testing.T) {
	tr, server := newPipeTransport(t, 50*time.Millisecond)

	stream := []byte("BEAT\n\n")
	chunks := make([][]byte, len(stream))
	for i := range stream {
		chunks[i] = stream[i : i+1]
	}
	writeChunks(server, chunks...)

	got := readN(t, tr, 1)
	if string(got[0]) != "BEAT" {
		t.Errorf("frame = %q, want %q", got[0], "BEAT")
	}
}

func TestFrameTransport_EmptyFrame(t *testing.T) {
	tr, server := newPipeTransport(t, 50*time.Millisecond)
	writeChunks(server, []byte("\n\nBEAT\n\n"))

	got := readN(t, tr, 2)
	if got[0] == nil || len(got[0]) != 0 {
		t.Errorf("first frame = %q, want empty non-nil", got[0])
	}
	if string(got[1]) != "BEAT" {
		t.Errorf("second frame = %q, want BEAT", got[1])
	}
}

func TestFrameTransport_TimeoutIsNotAnError(t *testing.T) {
	tr, _ := newPipeTransport(t, 20*time.Millisecond)

	frame, err := tr.poll()
	if err != nil {
		t.Fatalf("poll() error = %v, want nil on timeout", err)
	}
	if frame != nil {
		t.Errorf("poll() frame = %q, want nil", frame)
	}
}

func TestFrameTransport_StopEndsRead(t *testing.T) {
	tr, _ := newPipeTransport(t, 20*time.Millisecond)

	polls := 0
	start := time.Now()
	_, err := tr.readFrame(func() bool {
		polls++
		return polls > 3
	}, nil)
	if !errors.Is(err, ErrTerminated) {
		t.Fatalf("readFrame() error = %v, want ErrTerminated", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("readFrame() took %v to stop", elapsed)
	}
}

func TestFrameTransport_StopBeforeRead(t *testing.T) {
	tr, server := newPipeTransport(t, 20*time.Millisecond)
	writeChunks(server, []byte("BEAT\n\n"))

	_, err := tr.readFrame(func() bool { return true }, nil)
	if !errors.Is(err, ErrTerminated) {
		t.Fatalf("readFrame() error = %v, want ErrTerminated", err)
	}
}

func TestFrameTransport_CloseWithPartialFrame(t *testing.T) {
	tr, server := newPipeTransport(t, 50*time.Millisecond)

	go func() {
		server.Write([]byte(`{"origin":"upd`))
		server.Close()
	}()

	_, err := tr.readFrame(func() bool { return false }, nil)
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("readFrame() error = %v, want ErrConnectionLost", err)
	}
}

func TestFrameTransport_FrameThenClose(t *testing.T) {
	tr, server := newPipeTransport(t, 50*time.Millisecond)

	go func() {
		server.Write([]byte("BEAT\n\n"))
		server.Close()
	}()

	frame, err := tr.readFrame(func() bool { return false }, nil)
	if err != nil {
		t.Fatalf("first readFrame() error = %v", err)
	}
	if string(frame) != "BEAT" {
		t.Errorf("frame = %q, want BEAT", frame)
	}

	_, err = tr.readFrame(func() bool { return false }, nil)
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("second readFrame() error = %v, want ErrConnectionLost", err)
	}
}

func TestFrameTransport_FrameTooLarge(t *testing.T) {
	tr, server := newPipeTransport(t, 50*time.Millisecond)

	go func() {
		chunk := bytes.Repeat([]byte("x"), readChunkSize)
		for written := 0; written <= maxFrameSize; written += len(chunk) {
			if _, err := server.Write(chunk); err != nil {
				return
			}
		}
	}()

	_, err := tr.readFrame(func() bool { return false }, nil)
	if !errors.Is(err, ErrConnectionLost) || !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("readFrame() error = %v, want ErrConnectionLost and ErrFrameTooLarge", err)
	}
}

func TestFrameTransport_WriteFrame(t *testing.T) {
	tr, server := newPipeTransport(t, 50*time.Millisecond)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		got <- buf[:n]
	}()

	if err := tr.writeFrame(heartbeatRequest); err != nil {
		t.Fatalf("writeFrame() error = %v", err)
	}
	if b := <-got; string(b) != "HEART" {
		t.Errorf("peer read %q, want HEART", b)
	}
}

func TestFrameTransport_WriteAfterClose(t *testing.T) {
	tr, _ := newPipeTransport(t, 50*time.Millisecond)
	tr.close()

	if err := tr.writeFrame([]byte("HEART")); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("writeFrame() error = %v, want ErrWriteFailed", err)
	}
}
