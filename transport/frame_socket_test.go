package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wacore/limits"
)

// partialReadConn simulates a stream that returns reads in small chunks.
type partialReadConn struct {
	data      []byte
	readPos   int
	chunkSize int
	readCalls int
	mu        sync.Mutex
	closed    bool
}

func newPartialReadConn(data []byte, chunkSize int) *partialReadConn {
	return &partialReadConn{data: data, chunkSize: chunkSize}
}

// Read returns at most chunkSize bytes at a time.
func (p *partialReadConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.readCalls++

	remaining := len(p.data) - p.readPos
	if remaining == 0 {
		return 0, io.EOF
	}
	toRead := min(p.chunkSize, len(b), remaining)
	n := copy(b, p.data[p.readPos:p.readPos+toRead])
	p.readPos += n
	return n, nil
}

func (p *partialReadConn) Write(b []byte) (int, error) {
	return len(b), nil
}

func (p *partialReadConn) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// recordingConn captures every Write call.
type recordingConn struct {
	mu     sync.Mutex
	writes [][]byte
	block  chan struct{}
}

func (r *recordingConn) Read(b []byte) (int, error) {
	<-r.block
	return 0, io.EOF
}

func (r *recordingConn) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (r *recordingConn) Close() error { return nil }

func (r *recordingConn) stream() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Join(r.writes, nil)
}

func encodeFrames(frames ...[]byte) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		n := len(f)
		buf.Write([]byte{byte(n >> 16), byte(n >> 8), byte(n)})
		buf.Write(f)
	}
	return buf.Bytes()
}

func collect(t *testing.T, fs *FrameSocket) [][]byte {
	t.Helper()
	var got [][]byte
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-fs.Frames():
			if !ok {
				return got
			}
			got = append(got, f)
		case <-timeout:
			t.Fatal("frame socket did not close")
		}
	}
}

func TestFrameSocketPartialReads(t *testing.T) {
	frames := [][]byte{
		[]byte("first"),
		bytes.Repeat([]byte{0xAB}, 1000),
		{},
		[]byte("last"),
	}
	stream := encodeFrames(frames...)

	for _, chunk := range []int{1, 2, 3, 7, 64, len(stream)} {
		t.Run("", func(t *testing.T) {
			var causes []error
			conn := newPartialReadConn(stream, chunk)
			fs := NewFrameSocket(conn, nil, FrameSocketOptions{OnDisconnect: func(err error) { causes = append(causes, err) }})
			fs.Start()

			got := collect(t, fs)
			require.Len(t, got, len(frames), "chunk size %d", chunk)
			for i := range frames {
				assert.True(t, bytes.Equal(frames[i], got[i]), "frame %d with chunk size %d", i, chunk)
			}
			assert.ErrorIs(t, fs.Err(), ErrTransport)
			assert.Len(t, causes, 1)
			if chunk == 1 {
				assert.Greater(t, conn.readCalls, len(stream)-1)
			}
		})
	}
}

func TestFrameSocketRejectsOversizedFrame(t *testing.T) {
	stream := encodeFrames([]byte("ok"), bytes.Repeat([]byte{1}, 2048), []byte("never"))
	fs := NewFrameSocket(newPartialReadConn(stream, 16), nil, FrameSocketOptions{MaxFrameSize: 1024})
	fs.Start()

	got := collect(t, fs)
	assert.Equal(t, [][]byte{[]byte("ok")}, got)
	assert.ErrorIs(t, fs.Err(), ErrFrameTooLarge)
}

func TestFrameSocketTruncatedFrame(t *testing.T) {
	stream := encodeFrames([]byte("complete"), []byte("cut short"))
	fs := NewFrameSocket(newPartialReadConn(stream[:len(stream)-3], 4), nil, FrameSocketOptions{})
	fs.Start()

	got := collect(t, fs)
	assert.Len(t, got, 1)
	assert.ErrorIs(t, fs.Err(), ErrTransport)
}

func TestFrameSocketHeaderSentOnce(t *testing.T) {
	conn := &recordingConn{block: make(chan struct{})}
	defer close(conn.block)
	header := []byte{'W', 'A', 6, 4}
	fs := NewFrameSocket(conn, header, FrameSocketOptions{})

	ctx := context.Background()
	require.NoError(t, fs.SendFrame(ctx, []byte("hello")))
	require.NoError(t, fs.SendFrame(ctx, []byte("again")))

	want := append(append([]byte{}, header...), encodeFrames([]byte("hello"), []byte("again"))...)
	assert.Equal(t, want, conn.stream())
}

func TestFrameSocketSerializesWrites(t *testing.T) {
	conn := &recordingConn{block: make(chan struct{})}
	defer close(conn.block)
	fs := NewFrameSocket(conn, nil, FrameSocketOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, fs.SendFrame(context.Background(), bytes.Repeat([]byte{byte(i)}, 100+i)))
		}(i)
	}
	wg.Wait()

	reader := NewFrameSocket(newPartialReadConn(conn.stream(), 13), nil, FrameSocketOptions{})
	reader.Start()
	got := collect(t, reader)
	require.Len(t, got, 50)
	for _, f := range got {
		assert.Equal(t, 100+int(f[0]), len(f), "frame bytes interleaved")
		assert.Equal(t, bytes.Repeat(f[:1], len(f)), f)
	}
}

func TestFrameSocketClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	calls := 0
	fs := NewFrameSocket(client, nil, FrameSocketOptions{OnDisconnect: func(err error) {
		calls++
		assert.ErrorIs(t, err, ErrSocketClosed)
	}})
	fs.Start()

	require.NoError(t, fs.Close())
	require.NoError(t, fs.Close())
	<-fs.Done()
	assert.Equal(t, 1, calls)

	err := fs.SendFrame(context.Background(), []byte("late"))
	assert.True(t, errors.Is(err, ErrSocketClosed))

	_, err = fs.ReceiveFrame(context.Background())
	assert.ErrorIs(t, err, ErrSocketClosed)
}

func TestFrameSocketReceiveFrameContext(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	fs := NewFrameSocket(client, nil, FrameSocketOptions{})
	fs.Start()
	defer fs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := fs.ReceiveFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFrameSocketSendValidatesLength(t *testing.T) {
	conn := &recordingConn{block: make(chan struct{})}
	defer close(conn.block)
	fs := NewFrameSocket(conn, []byte{'W', 'A', 6, 4}, FrameSocketOptions{})
	ctx := context.Background()

	assert.ErrorIs(t, fs.SendFrame(ctx, nil), limits.ErrMessageEmpty)

	err := fs.SendFrame(ctx, make([]byte, limits.MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
	assert.Empty(t, conn.stream(), "rejected frames must not write the header either")
}
