package wacore

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/events"
	"github.com/opd-ai/wacore/noise"
	"github.com/opd-ai/wacore/request"
	"github.com/opd-ai/wacore/transport"
)

// connection is one transport session. A reconnect creates a new one with
// new handshake state and counters.
type connection struct {
	ns     *transport.NoiseSocket
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	reason *DisconnectError

	pairedOnce sync.Once
	paired     chan struct{}
	finished   chan struct{}
}

func newConnection(parent context.Context) *connection {
	ctx, cancel := context.WithCancel(parent)
	return &connection{
		ctx:      ctx,
		cancel:   cancel,
		paired:   make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// close records why the connection is closing and closes the socket. Only
// the first reason is kept.
func (conn *connection) close(de *DisconnectError) {
	conn.mu.Lock()
	if conn.reason == nil {
		conn.reason = de
	}
	conn.mu.Unlock()
	conn.ns.CloseWithError(de)
}

func (conn *connection) disconnectReason() *DisconnectError {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.reason
}

func (conn *connection) markPaired() {
	conn.pairedOnce.Do(func() { close(conn.paired) })
}

// Connect dials the edge and runs the handshake. It returns once the
// encrypted channel is up; the connection then registers or logs in and
// reports progress through events.
func (c *Client) Connect(ctx context.Context) error {
	if !c.transition([]State{StateIdle, StateClosed}, StateConnecting) {
		return ErrAlreadyConnected
	}
	c.stopped.Store(false)
	c.failures.Store(0)

	if err := c.connect(ctx); err != nil {
		var de *DisconnectError
		if errors.As(err, &de) {
			c.setState(StateClosed, de.Reason, de.Code)
		} else {
			c.setState(StateClosed, err.Error(), 0)
		}
		return err
	}
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	log := c.log.WithField("function", "connect")
	if !c.advance(StateConnecting) {
		return errStopped
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	stream, err := c.cfg.Dial(dialCtx, c.cfg.WebSocketURL, c.cfg.Origin)
	if err != nil {
		return &DisconnectError{
			Code:   CodeConnectionClosed,
			Reason: "dial failed",
			Err:    fmt.Errorf("%w: %w", ErrTransport, err),
		}
	}

	fs := transport.NewFrameSocket(stream, noise.ConnHeader, transport.FrameSocketOptions{Logger: c.log})
	fs.Start()
	if !c.advance(StateHandshaking) {
		fs.Close()
		return errStopped
	}

	device := c.Device()
	payload := c.clientPayload()
	res, err := noise.PerformClient(dialCtx, fs, noise.ClientConfig{
		Static:       device.NoiseKey,
		Prologue:     noise.ConnHeader,
		Hello:        (&noise.HelloMetadata{Version: c.cfg.Version, Platform: "web"}).Marshal(),
		Payload:      payload.Marshal(),
		AuthorityKey: c.cfg.AuthorityKey,
		TimeProvider: c.clock,
		Logger:       c.log,
	})
	if err != nil {
		fs.CloseWithError(err)
		log.WithError(err).Warn("Handshake failed")
		return &DisconnectError{Code: CodeConnectionClosed, Reason: "handshake failed", Err: err}
	}

	conn := newConnection(c.ctx)
	conn.ns = transport.NewNoiseSocket(fs, res.Send, res.Recv, func(plaintext []byte) {
		c.handleFrame(conn, plaintext)
	})
	// Disconnect raises stopped and reads c.conn under connMu, so it either
	// sees this connection or this check sees the stop.
	c.connMu.Lock()
	if c.stopped.Load() {
		c.connMu.Unlock()
		conn.cancel()
		fs.Close()
		return errStopped
	}
	c.conn = conn
	c.connMu.Unlock()

	if payload.IsRegistration() {
		c.advance(StateRegistering)
	} else {
		c.advance(StateAuthenticating)
	}
	log.WithFields(crypto.SecureFieldHash(res.RemoteStatic[:], "server_static")).
		WithField("registering", payload.IsRegistration()).
		Info("Handshake complete")

	conn.ns.Start()
	c.wg.Add(1)
	go c.watch(conn)
	return nil
}

// clientPayload builds the login payload for a paired device and the
// registration payload otherwise.
func (c *Client) clientPayload() *noise.ClientPayload {
	device := c.Device()
	p := &noise.ClientPayload{
		UserAgent: noise.UserAgent{
			Platform:     noise.PlatformWeb,
			AppVersion:   c.cfg.Version,
			OSVersion:    "0.1",
			Manufacturer: c.cfg.Browser.OS,
			Device:       "Desktop",
		},
		ConnectType:   noise.ConnectTypeWifiUnknown,
		ConnectReason: noise.ConnectReasonUserActivated,
	}
	if device.IsPaired() {
		user, _ := strconv.ParseUint(device.ID.User, 10, 64)
		p.Username = user
		p.Device = uint32(device.ID.Device)
		p.Passive = true
		p.Pull = true
		return p
	}

	v := c.cfg.Version
	buildHash := md5.Sum([]byte(fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])))
	props := &noise.DeviceProps{
		OS:              c.cfg.Browser.OS,
		Version:         noise.AppVersion{10, 15, 7},
		PlatformType:    browserPlatformType(c.cfg.Browser.Name),
		RequireFullSync: c.cfg.HistorySync.Full,
	}
	for _, t := range c.cfg.HistorySync.Types {
		if t >= 0 {
			props.HistorySyncTypes = append(props.HistorySyncTypes, uint32(t))
		}
	}
	spk := device.SignedPreKey
	p.Pairing = &noise.DevicePairingData{
		ERegID:      noise.EncodeUint32(device.RegistrationID),
		EKeyType:    []byte{crypto.KeyBundleType},
		EIdent:      device.IdentityKey.Public[:],
		ESKeyID:     noise.EncodeUint24(spk.KeyID),
		ESKeyVal:    spk.Public[:],
		ESKeySig:    spk.Signature[:],
		BuildHash:   buildHash[:],
		DeviceProps: props.Marshal(),
	}
	return p
}

func browserPlatformType(name string) uint32 {
	switch name {
	case "Chrome":
		return 1
	case "Firefox":
		return 2
	case "Safari":
		return 5
	case "Edge":
		return 6
	case "Desktop":
		return 7
	default:
		return 0
	}
}

// watch waits for conn to close and decides between closing for good and
// reconnecting.
func (c *Client) watch(conn *connection) {
	defer c.wg.Done()
	defer close(conn.finished)

	<-conn.ns.Done()
	conn.cancel()
	cause := conn.ns.Err()
	c.corr.CancelAll(cause)

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()

	de := conn.disconnectReason()
	if de == nil {
		de = transportDisconnect(cause)
	}
	wasOpen := c.State() == StateOpen

	c.log.WithFields(logrus.Fields{
		"function": "watch",
		"code":     de.Code,
		"reason":   de.Reason,
		"terminal": de.Terminal,
	}).Info("Connection closed")

	c.setState(StateClosed, de.Reason, de.Code)
	if c.stopped.Load() || de.Terminal {
		return
	}
	if wasOpen {
		c.dispatch(&events.Disconnected{Reason: de.Reason, Code: de.Code, Err: de})
	}
	c.reconnect(de)
}

// transportDisconnect classifies a close the client did not request.
func transportDisconnect(cause error) *DisconnectError {
	switch {
	case errors.Is(cause, transport.ErrCounterMismatch):
		return &DisconnectError{
			Code:   CodeProtocolViolation,
			Reason: "protocol violation: frame counter mismatch",
			Err:    fmt.Errorf("%w: %w", ErrTransport, cause),
		}
	case errors.Is(cause, transport.ErrCounterExhausted):
		return &DisconnectError{
			Code:   CodeProtocolViolation,
			Reason: "protocol violation: frame counter exhausted",
			Err:    fmt.Errorf("%w: %w", ErrTransport, cause),
		}
	case errors.Is(cause, transport.ErrFrameTooLarge):
		return &DisconnectError{
			Code:   CodeProtocolViolation,
			Reason: "protocol violation: oversized frame",
			Err:    fmt.Errorf("%w: %w", ErrTransport, cause),
		}
	default:
		return &DisconnectError{
			Code:   CodeConnectionLost,
			Reason: "connection lost",
			Err:    fmt.Errorf("%w: %w", ErrTransport, cause),
		}
	}
}

// reconnect retries immediately until a connection comes up, a terminal
// failure occurs or MaxConsecutiveFailures attempts fail. Every attempt
// starts from closed; a Connect call that wins the race ends the loop.
func (c *Client) reconnect(de *DisconnectError) {
	for {
		if c.ctx.Err() != nil || c.stopped.Load() {
			return
		}
		n := int(c.failures.Add(1))
		if n > c.cfg.MaxConsecutiveFailures {
			c.log.WithFields(logrus.Fields{
				"function": "reconnect",
				"attempts": n - 1,
			}).Error("Giving up reconnecting")
			c.dispatch(&events.ConnectFailure{Reason: de.Reason, Code: de.Code, Fatal: true, Err: de})
			return
		}

		if !c.changeState([]State{StateClosed}, true, StateReconnecting, de.Reason, de.Code) {
			return
		}
		c.metrics.Reconnect()
		err := c.connect(c.ctx)
		if err == nil || errors.Is(err, errStopped) {
			return
		}
		var next *DisconnectError
		if !errors.As(err, &next) {
			next = &DisconnectError{Code: CodeConnectionClosed, Reason: "connect failed", Err: err}
		}
		de = next
		c.setState(StateClosed, de.Reason, de.Code)
		c.dispatch(&events.ConnectFailure{Reason: de.Reason, Code: de.Code, Err: err})
		if de.Terminal {
			return
		}
	}
}

// Disconnect closes the connection without reconnecting. It is a no-op on
// a client that is not connected.
func (c *Client) Disconnect() {
	c.connMu.Lock()
	c.stopped.Store(true)
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		if s := c.State(); s != StateIdle && s != StateClosed {
			c.setState(StateClosed, "disconnect requested", CodeConnectionClosed)
		}
		return
	}
	c.setState(StateClosing, "disconnect requested", CodeConnectionClosed)
	conn.close(&DisconnectError{Code: CodeConnectionClosed, Reason: "disconnect requested", Terminal: true})
	<-conn.finished
}

func (c *Client) currentConn() *connection {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) handleFrame(conn *connection, plaintext []byte) {
	c.metrics.FrameReceived()
	node, err := binary.UnmarshalFrame(plaintext)
	if err != nil {
		c.log.WithError(err).WithField("function", "handleFrame").Warn("Dropping connection on malformed frame")
		conn.close(&DisconnectError{Code: CodeBadSession, Reason: "malformed frame", Err: err})
		return
	}
	if c.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		c.log.WithField("function", "handleFrame").Trace("<-- " + node.XMLString())
	}
	c.handleNode(conn, node)
}

// sendNode writes node on the current connection.
func (c *Client) sendNode(ctx context.Context, node binary.Node) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := binary.Pack(node)
	if err != nil {
		return fmt.Errorf("encode %s: %w", node.Tag, err)
	}
	if c.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		c.log.WithField("function", "sendNode").Trace("--> " + node.XMLString())
	}
	if err := conn.ns.SendFrame(ctx, data); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.metrics.FrameSent()
	return nil
}

// query sends an iq and waits for its response.
func (c *Client) query(ctx context.Context, node binary.Node) (binary.Node, error) {
	resp, err := c.corr.Query(ctx, node, c.sendNode)
	if errors.Is(err, request.ErrTimeout) {
		c.metrics.RequestTimeout()
	}
	return resp, err
}

// retryQuery runs an idempotent query with the configured retry policy.
func (c *Client) retryQuery(ctx context.Context, name string, node binary.Node) (binary.Node, error) {
	var resp binary.Node
	err := request.Do(ctx, request.Policy{
		Attempts:   c.cfg.MaxRetryAttempts,
		Delay:      c.cfg.RetryRequestDelay,
		Idempotent: true,
		Name:       name,
	}, func(ctx context.Context) error {
		var err error
		resp, err = c.query(ctx, node)
		return err
	})
	return resp, err
}
