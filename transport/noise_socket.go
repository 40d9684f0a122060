package transport

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/limits"
)

// FrameHandler receives decrypted frames in arrival order.
type FrameHandler func(plaintext []byte)

// NoiseSocket encrypts frames with the transport keys from the handshake.
type NoiseSocket struct {
	fs  *FrameSocket
	log *logrus.Entry

	writeMu      sync.Mutex
	send         noise.Cipher
	writeCounter uint32

	recv        noise.Cipher
	readCounter uint32
	onFrame     FrameHandler
}

// NewNoiseSocket wraps fs with the split cipher states. Both counters
// start at zero regardless of what the cipher states were used for.
func NewNoiseSocket(fs *FrameSocket, send, recv *noise.CipherState, onFrame FrameHandler) *NoiseSocket {
	return &NoiseSocket{
		fs:      fs,
		log:     fs.log.WithField("component", "noise_socket"),
		send:    send.Cipher(),
		recv:    recv.Cipher(),
		onFrame: onFrame,
	}
}

// Start launches the decrypt loop. Frames are decrypted and handed to the
// handler one at a time.
func (ns *NoiseSocket) Start() {
	go ns.receiveLoop()
}

func (ns *NoiseSocket) receiveLoop() {
	for frame := range ns.fs.Frames() {
		if ns.readCounter == math.MaxUint32 {
			ns.log.Warn("Receive counter exhausted")
			ns.fs.CloseWithError(ErrCounterExhausted)
			return
		}
		plaintext, err := ns.recv.Decrypt(nil, uint64(ns.readCounter), nil, frame)
		if err != nil {
			ns.log.WithFields(logrus.Fields{
				"expected_counter": ns.readCounter,
				"frame_size":       len(frame),
			}).Warn("Dropping connection on undecryptable frame")
			ns.fs.CloseWithError(fmt.Errorf("%w: expected counter %d", ErrCounterMismatch, ns.readCounter))
			return
		}
		ns.readCounter++
		ns.onFrame(plaintext)
	}
}

// SendFrame encrypts plaintext under the next send counter and writes it.
// Encryption and write happen under one lock so counters match wire order.
func (ns *NoiseSocket) SendFrame(ctx context.Context, plaintext []byte) error {
	ns.writeMu.Lock()
	defer ns.writeMu.Unlock()

	if ns.writeCounter == math.MaxUint32 {
		return ErrCounterExhausted
	}
	if err := limits.ValidateFrameLength(len(plaintext)+limits.AEADOverhead, limits.MaxFrameSize); err != nil {
		return fmt.Errorf("%w: %w", ErrFrameTooLarge, err)
	}
	ciphertext := ns.send.Encrypt(nil, uint64(ns.writeCounter), nil, plaintext)
	ns.writeCounter++
	return ns.fs.SendFrame(ctx, ciphertext)
}

// Close closes the underlying frame socket.
func (ns *NoiseSocket) Close() error {
	return ns.fs.Close()
}

// CloseWithError closes the underlying frame socket with cause.
func (ns *NoiseSocket) CloseWithError(cause error) {
	ns.fs.CloseWithError(cause)
}

// Done is closed once the socket is closed.
func (ns *NoiseSocket) Done() <-chan struct{} {
	return ns.fs.Done()
}

// Err returns the close cause.
func (ns *NoiseSocket) Err() error {
	return ns.fs.Err()
}
