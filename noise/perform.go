package noise

import (
	"context"
	"fmt"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/crypto"
)

// FrameConn is the framed byte stream the handshake runs over.
type FrameConn interface {
	SendFrame(ctx context.Context, data []byte) error
	ReceiveFrame(ctx context.Context) ([]byte, error)
}

// ClientConfig configures the initiator side.
type ClientConfig struct {
	Static       *crypto.KeyPair
	Ephemeral    *crypto.KeyPair
	Prologue     []byte
	Hello        []byte
	Payload      []byte
	AuthorityKey [32]byte
	TimeProvider crypto.TimeProvider
	Logger       *logrus.Entry
}

// Result holds the transport keys produced by a completed handshake.
// Both counters start at zero.
type Result struct {
	Send         *noise.CipherState
	Recv         *noise.CipherState
	RemoteStatic [32]byte
	// Hello and Payload are the peer's message 1 and 3 payloads; only the
	// responder sees them.
	Hello   []byte
	Payload []byte
}

// PerformClient runs the three-message handshake as initiator. Any failure
// is wrapped in ErrHandshake and discards all handshake state.
func PerformClient(ctx context.Context, conn FrameConn, cfg ClientConfig) (*Result, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("function", "PerformClient")
	tp := cfg.TimeProvider
	if tp == nil {
		tp = crypto.GetDefaultTimeProvider()
	}

	hs, err := NewXXHandshake(cfg.Static, cfg.Prologue, cfg.Ephemeral, Initiator)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	defer hs.Destroy()

	if err := writeStep(ctx, conn, hs, 1, cfg.Hello); err != nil {
		return nil, err
	}

	certPayload, err := readStep(ctx, conn, hs, 2)
	if err != nil {
		return nil, err
	}
	serverStatic, err := hs.GetRemoteStaticKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := VerifyCertChain(certPayload, cfg.AuthorityKey, serverStatic, tp.Now()); err != nil {
		crypto.NewPackageLogger("noise", "PerformClient").
			WithBase(log).
			WithError(err, "CertificateError", "verify_cert_chain").
			Warn("Rejecting server certificate")
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	log.WithFields(crypto.SecureFieldHash(serverStatic, "server_static")).Debug("Server certificate verified")

	if err := writeStep(ctx, conn, hs, 3, cfg.Payload); err != nil {
		return nil, err
	}
	send, recv, err := hs.GetCipherStates()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	res := &Result{Send: send, Recv: recv}
	copy(res.RemoteStatic[:], serverStatic)
	return res, nil
}

// ServerConfig configures the responder side.
type ServerConfig struct {
	Static    *crypto.KeyPair
	Prologue  []byte
	CertChain []byte
}

// PerformServer runs the handshake as responder. It backs the in-process
// edge used by tests and tools.
func PerformServer(ctx context.Context, conn FrameConn, cfg ServerConfig) (*Result, error) {
	hs, err := NewXXHandshake(cfg.Static, cfg.Prologue, nil, Responder)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	defer hs.Destroy()

	hello, err := readStep(ctx, conn, hs, 1)
	if err != nil {
		return nil, err
	}
	if err := writeStep(ctx, conn, hs, 2, cfg.CertChain); err != nil {
		return nil, err
	}
	payload, err := readStep(ctx, conn, hs, 3)
	if err != nil {
		return nil, err
	}
	send, recv, err := hs.GetCipherStates()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	clientStatic, err := hs.GetRemoteStaticKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	res := &Result{Send: send, Recv: recv, Hello: hello, Payload: payload}
	copy(res.RemoteStatic[:], clientStatic)
	return res, nil
}

func writeStep(ctx context.Context, conn FrameConn, hs *XXHandshake, step int, payload []byte) error {
	raw, _, err := hs.WriteMessage(payload)
	if err != nil {
		return fmt.Errorf("%w: message %d: %w", ErrHandshake, step, err)
	}
	env, err := wrap(step, raw)
	if err != nil {
		return fmt.Errorf("%w: message %d: %w", ErrHandshake, step, err)
	}
	if err := conn.SendFrame(ctx, env.Marshal()); err != nil {
		return fmt.Errorf("%w: send message %d: %w", ErrHandshake, step, err)
	}
	return nil
}

func readStep(ctx context.Context, conn FrameConn, hs *XXHandshake, step int) ([]byte, error) {
	frame, err := conn.ReceiveFrame(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: receive message %d: %w", ErrHandshake, step, err)
	}
	env, err := UnmarshalHandshakeMessage(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: message %d: %w", ErrHandshake, step, err)
	}
	raw, err := unwrap(step, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	payload, _, err := hs.ReadMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: message %d: %w", ErrHandshake, step, err)
	}
	return payload, nil
}
