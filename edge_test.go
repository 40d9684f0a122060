package wacore

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	flynn "github.com/flynn/noise"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/events"
	"github.com/opd-ai/wacore/noise"
	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/transport"
	"github.com/opd-ai/wacore/types"
)

const waitTimeout = 5 * time.Second

// testEdge is an in-process server edge. Each dial gets a pipe whose far
// end runs the responder handshake and is handed to the test on conns.
type testEdge struct {
	t         *testing.T
	static    *crypto.KeyPair
	authority *crypto.KeyPair
	chain     []byte
	conns     chan *edgeConn
	dials     atomic.Int32
}

func newTestEdge(t *testing.T) *testEdge {
	t.Helper()
	static, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	authority, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	intermediate, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	chain, err := noise.IssueCertChain(authority, intermediate, static.Public, time.Hour)
	require.NoError(t, err)
	return &testEdge{
		t:         t,
		static:    static,
		authority: authority,
		chain:     chain,
		conns:     make(chan *edgeConn, 8),
	}
}

func (e *testEdge) dial(ctx context.Context, url, origin string) (io.ReadWriteCloser, error) {
	e.dials.Add(1)
	client, server := net.Pipe()
	go e.serve(server)
	return client, nil
}

func (e *testEdge) serve(conn net.Conn) {
	header := make([]byte, len(noise.ConnHeader))
	if _, err := io.ReadFull(conn, header); err != nil {
		conn.Close()
		return
	}
	fs := transport.NewFrameSocket(conn, nil, transport.FrameSocketOptions{Logger: quietLogger()})
	fs.Start()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := noise.PerformServer(ctx, fs, noise.ServerConfig{
		Static:    e.static,
		Prologue:  noise.ConnHeader,
		CertChain: e.chain,
	})
	if err != nil {
		fs.CloseWithError(err)
		return
	}
	payload, err := noise.UnmarshalClientPayload(res.Payload)
	if err != nil {
		fs.CloseWithError(err)
		return
	}
	ec := &edgeConn{
		t:       e.t,
		header:  header,
		fs:      fs,
		send:    res.Send.Cipher(),
		recv:    res.Recv.Cipher(),
		payload: payload,
		nodes:   make(chan binary.Node, 256),
	}
	go ec.readLoop()
	e.conns <- ec
}

func (e *testEdge) next(t *testing.T) *edgeConn {
	t.Helper()
	select {
	case ec := <-e.conns:
		return ec
	case <-time.After(waitTimeout):
		t.Fatal("client did not connect")
		return nil
	}
}

// edgeConn is the server side of one connection. Frames are encrypted with
// explicit counters so tests can replay stale ciphertext.
type edgeConn struct {
	t       *testing.T
	header  []byte
	fs      *transport.FrameSocket
	payload *noise.ClientPayload

	mu          sync.Mutex
	send        flynn.Cipher
	sendCounter uint64
	lastFrame   []byte

	recv  flynn.Cipher
	nodes chan binary.Node
}

func (ec *edgeConn) readLoop() {
	defer close(ec.nodes)
	var counter uint64
	for frame := range ec.fs.Frames() {
		plaintext, err := ec.recv.Decrypt(nil, counter, nil, frame)
		if err != nil {
			ec.fs.CloseWithError(err)
			return
		}
		counter++
		node, err := binary.UnmarshalFrame(plaintext)
		if err != nil {
			ec.fs.CloseWithError(err)
			return
		}
		ec.nodes <- node
	}
}

func (ec *edgeConn) sendNode(node binary.Node) {
	ec.t.Helper()
	data, err := binary.Pack(node)
	require.NoError(ec.t, err)
	ec.mu.Lock()
	frame := ec.send.Encrypt(nil, ec.sendCounter, nil, data)
	ec.sendCounter++
	ec.lastFrame = frame
	ec.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(ec.t, ec.fs.SendFrame(ctx, frame))
}

// skipCounter advances the send counter by n without sending, so the next
// frame arrives ahead of what the client expects.
func (ec *edgeConn) skipCounter(n uint64) {
	ec.mu.Lock()
	ec.sendCounter += n
	ec.mu.Unlock()
}

// replayLast resends the previous ciphertext, which the client must reject.
func (ec *edgeConn) replayLast() {
	ec.t.Helper()
	ec.mu.Lock()
	frame := ec.lastFrame
	ec.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(ec.t, ec.fs.SendFrame(ctx, frame))
}

// waitFor returns the next client node matching match, skipping others.
func (ec *edgeConn) waitFor(t *testing.T, desc string, match func(binary.Node) bool) binary.Node {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case node, ok := <-ec.nodes:
			if !ok {
				t.Fatalf("connection closed while waiting for %s", desc)
			}
			if match(node) {
				return node
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", desc)
		}
	}
}

// drain returns the nodes already received without waiting.
func (ec *edgeConn) drain() []binary.Node {
	var out []binary.Node
	for {
		select {
		case n, ok := <-ec.nodes:
			if !ok {
				return out
			}
			out = append(out, n)
		default:
			return out
		}
	}
}

func (ec *edgeConn) waitIQ(t *testing.T, xmlns string, child string) binary.Node {
	t.Helper()
	return ec.waitFor(t, "iq "+xmlns+"/"+child, func(n binary.Node) bool {
		ns, _ := n.Attrs.Get("xmlns")
		_, ok := n.GetChildByTag(child)
		return n.Tag == "iq" && ns == xmlns && ok
	})
}

func (ec *edgeConn) waitTag(t *testing.T, tag string) binary.Node {
	t.Helper()
	return ec.waitFor(t, tag, func(n binary.Node) bool { return n.Tag == tag })
}

// reply answers a client iq with a result carrying content.
func (ec *edgeConn) reply(req binary.Node, content ...binary.Node) {
	id, _ := req.Attrs.Get("id")
	resp := binary.Node{Tag: "iq", Attrs: attrs("id", id, "from", types.DefaultUserServer, "type", "result")}
	if len(content) > 0 {
		resp.Content = content
	}
	ec.sendNode(resp)
}

// login answers success and the init queries of a paired client.
func (ec *edgeConn) login(t *testing.T, serverPreKeys int) {
	t.Helper()
	ec.sendNode(binary.Node{Tag: "success", Attrs: attrs("t", "1700000000")})
	ec.reply(ec.waitIQ(t, "passive", "active"))
	ec.reply(ec.waitIQ(t, "encrypt", "count"),
		binary.Node{Tag: "count", Attrs: attrs("value", strconv.Itoa(serverPreKeys))})
}

func (ec *edgeConn) close() {
	ec.fs.Close()
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// eventLog records every dispatched event.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
	signal chan struct{}
}

func newEventLog() *eventLog {
	return &eventLog{signal: make(chan struct{}, 1)}
}

func (l *eventLog) HandleEvent(evt events.Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *eventLog) snapshot() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.events...)
}

// waitEvent returns the first recorded event of type T, waiting for it.
func waitEvent[T events.Event](t *testing.T, l *eventLog) T {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		for _, evt := range l.snapshot() {
			if e, ok := evt.(T); ok {
				return e
			}
		}
		select {
		case <-l.signal:
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func countEvents[T events.Event](l *eventLog) int {
	n := 0
	for _, evt := range l.snapshot() {
		if _, ok := evt.(T); ok {
			n++
		}
	}
	return n
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, waitTimeout, 5*time.Millisecond,
		"state never became %s", want)
}

func testConfig(edge *testEdge) *Config {
	cfg := NewConfig()
	cfg.Dial = edge.dial
	cfg.AuthorityKey = edge.authority.Public
	cfg.KeepAliveInterval = time.Hour
	cfg.QueryTimeout = waitTimeout
	cfg.MarkOnlineOnConnect = false
	cfg.Logger = quietLogger()
	return cfg
}

func pairedDevice(t *testing.T, user string, device uint16) *store.Device {
	t.Helper()
	d, err := store.NewDevice()
	require.NoError(t, err)
	jid := types.NewADJID(user, device, types.DefaultUserServer)
	d.ID = &jid
	return d
}

func newTestClient(t *testing.T, backend store.Backend, cfg *Config) (*Client, *eventLog) {
	t.Helper()
	c, err := NewClient(backend, cfg)
	require.NoError(t, err)
	log := newEventLog()
	c.AddEventHandler(log)
	t.Cleanup(func() { _ = c.Close() })
	return c, log
}
