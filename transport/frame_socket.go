package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/limits"
)

// FrameSocketOptions configures a FrameSocket.
type FrameSocketOptions struct {
	// MaxFrameSize bounds inbound frames; zero means limits.DefaultMaxFrameSize.
	MaxFrameSize int
	// OnDisconnect is called exactly once with the close cause.
	OnDisconnect func(err error)
	Logger       *logrus.Entry
}

// FrameSocket frames a duplex stream with a 3-byte length prefix.
type FrameSocket struct {
	conn     io.ReadWriteCloser
	header   []byte
	maxFrame int
	log      *logrus.Entry

	writeMu    sync.Mutex
	headerSent bool

	frames       chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	err          error
	onDisconnect func(err error)
}

// NewFrameSocket wraps conn. header is written before the first outbound
// frame; pass nil for a server-side socket.
func NewFrameSocket(conn io.ReadWriteCloser, header []byte, opts FrameSocketOptions) *FrameSocket {
	maxFrame := opts.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = limits.DefaultMaxFrameSize
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FrameSocket{
		conn:         conn,
		header:       header,
		maxFrame:     maxFrame,
		log:          log.WithField("component", "frame_socket"),
		frames:       make(chan []byte, 16),
		closed:       make(chan struct{}),
		onDisconnect: opts.OnDisconnect,
	}
}

// Start launches the read loop.
func (fs *FrameSocket) Start() {
	go fs.readLoop()
}

func (fs *FrameSocket) readLoop() {
	defer close(fs.frames)

	var hdr [limits.FrameLengthSize]byte
	for {
		if _, err := io.ReadFull(fs.conn, hdr[:]); err != nil {
			fs.CloseWithError(fmt.Errorf("%w: read frame header: %v", ErrTransport, err))
			return
		}
		length := int(hdr[0])<<16 | int(hdr[1])<<8 | int(hdr[2])
		if err := limits.ValidateFrameLength(length, fs.maxFrame); err != nil {
			fs.CloseWithError(fmt.Errorf("%w: %w", ErrFrameTooLarge, err))
			return
		}

		frame := make([]byte, length)
		if _, err := io.ReadFull(fs.conn, frame); err != nil {
			fs.CloseWithError(fmt.Errorf("%w: read frame body: %v", ErrTransport, err))
			return
		}

		select {
		case fs.frames <- frame:
		case <-fs.closed:
			return
		}
	}
}

// Frames returns the inbound frame channel. It is closed when the socket
// closes; Err then reports the cause.
func (fs *FrameSocket) Frames() <-chan []byte {
	return fs.frames
}

// ReceiveFrame waits for the next inbound frame.
func (fs *FrameSocket) ReceiveFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-fs.frames:
		if !ok {
			return nil, fs.Err()
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// SendFrame writes one frame. Writes are serialized; the connection header
// precedes the first frame only.
func (fs *FrameSocket) SendFrame(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := limits.ValidateFrameSize(data, limits.MaxFrameSize); err != nil {
		if errors.Is(err, limits.ErrMessageTooLarge) {
			return fmt.Errorf("%w: %w", ErrFrameTooLarge, err)
		}
		return err
	}

	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()

	select {
	case <-fs.closed:
		return fs.Err()
	default:
	}

	buf := make([]byte, 0, len(fs.header)+limits.FrameLengthSize+len(data))
	if !fs.headerSent {
		buf = append(buf, fs.header...)
	}
	n := len(data)
	buf = append(buf, byte(n>>16), byte(n>>8), byte(n))
	buf = append(buf, data...)

	if dl, ok := fs.conn.(writeDeadliner); ok {
		deadline, _ := ctx.Deadline()
		_ = dl.SetWriteDeadline(deadline)
	}
	if _, err := fs.conn.Write(buf); err != nil {
		err = fmt.Errorf("%w: write frame: %v", ErrTransport, err)
		go fs.CloseWithError(err)
		return err
	}
	fs.headerSent = true
	return nil
}

// Close closes the socket with ErrSocketClosed as the cause.
func (fs *FrameSocket) Close() error {
	fs.CloseWithError(ErrSocketClosed)
	return nil
}

// CloseWithError closes the socket and records cause. Only the first call
// has any effect.
func (fs *FrameSocket) CloseWithError(cause error) {
	fs.closeOnce.Do(func() {
		fs.err = cause
		close(fs.closed)
		if err := fs.conn.Close(); err != nil {
			fs.log.WithError(err).Debug("Error closing stream")
		}
		fs.log.WithField("cause", cause).Debug("Frame socket closed")
		if fs.onDisconnect != nil {
			fs.onDisconnect(cause)
		}
	})
}

// Done is closed once the socket is closed.
func (fs *FrameSocket) Done() <-chan struct{} {
	return fs.closed
}

// Err returns the close cause, or nil while the socket is open.
func (fs *FrameSocket) Err() error {
	select {
	case <-fs.closed:
		return fs.err
	default:
		return nil
	}
}
