package wacore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/events"
	"github.com/opd-ai/wacore/noise"
	"github.com/opd-ai/wacore/pairing"
	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/store/memstore"
	"github.com/opd-ai/wacore/transport"
	"github.com/opd-ai/wacore/types"
)

func iqID(n binary.Node) string {
	id, _ := n.Attrs.Get("id")
	return id
}

func waitIQID(t *testing.T, sc *edgeConn, id string) binary.Node {
	t.Helper()
	return sc.waitFor(t, "iq "+id, func(n binary.Node) bool { return n.Tag == "iq" && iqID(n) == id })
}

func TestPairWithCodeThenLogin(t *testing.T) {
	edge := newTestEdge(t)
	backend := memstore.New()
	c, log := newTestClient(t, backend, testConfig(edge))
	ctx, cancel := context.WithTimeout(context.Background(), 3*waitTimeout)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	sc := edge.next(t)
	identity := c.Device().IdentityKey.Public
	assert.Equal(t, noise.ConnHeader, sc.header)
	require.True(t, sc.payload.IsRegistration())
	assert.Equal(t, identity[:], sc.payload.Pairing.EIdent)
	waitState(t, c, StateRegistering)

	sc.sendNode(binary.Node{
		Tag:   "iq",
		Attrs: attrs("id", "pd-1", "from", types.DefaultUserServer, "type", "set"),
		Content: []binary.Node{{Tag: "pair-device", Content: []binary.Node{
			{Tag: "ref", Content: []byte("ref-1")},
			{Tag: "ref", Content: []byte("ref-2")},
		}}},
	})
	ack := waitIQID(t, sc, "pd-1")
	typ, _ := ack.Attrs.Get("type")
	assert.Equal(t, "result", typ)
	qr := waitEvent[*events.QR](t, log)
	require.Len(t, qr.Codes, 2)
	assert.True(t, strings.HasPrefix(qr.Codes[0], "ref-1,"))

	type codeResult struct {
		code string
		err  error
	}
	done := make(chan codeResult, 1)
	go func() {
		code, err := c.RequestPairingCode(ctx, "+1 (555) 123-4567")
		done <- codeResult{code, err}
	}()
	hello := sc.waitIQ(t, "md", "link_code_companion_reg")
	reg, _ := hello.GetChildByTag("link_code_companion_reg")
	stage, _ := reg.Attrs.Get("stage")
	assert.Equal(t, "companion_hello", stage)
	wrapped, ok := reg.GetChildByTag("link_code_pairing_wrapped_companion_ephemeral_pub")
	require.True(t, ok)
	sc.reply(hello, binary.Node{Tag: "link_code_companion_reg", Content: []binary.Node{
		{Tag: "link_code_pairing_ref", Content: []byte("code-ref")},
	}})

	var res codeResult
	select {
	case res = <-done:
	case <-time.After(waitTimeout):
		t.Fatal("RequestPairingCode did not return")
	}
	require.NoError(t, res.err)
	assert.Regexp(t, `^[1-9A-HJ-NP-TV-Z]{4}-[1-9A-HJ-NP-TV-Z]{4}$`, res.code)
	assert.Equal(t, "15551234567", waitEvent[*events.PairingCode](t, log).Phone)

	primaryIdentity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	primary, err := pairing.NewPrimary(primaryIdentity, strings.ReplaceAll(res.code, "-", ""), wrapped.ContentBytes())
	require.NoError(t, err)
	primaryHello, err := primary.Hello()
	require.NoError(t, err)
	sc.sendNode(binary.Node{
		Tag:   "notification",
		Attrs: attrs("id", "n-1", "from", types.DefaultUserServer, "type", "link_code_companion_reg"),
		Content: []binary.Node{{
			Tag:   "link_code_companion_reg",
			Attrs: attrs("stage", "primary_hello"),
			Content: []binary.Node{
				{Tag: "link_code_pairing_ref", Content: []byte("code-ref")},
				{Tag: "link_code_pairing_wrapped_primary_ephemeral_pub", Content: primaryHello},
				{Tag: "primary_identity_pub", Content: primaryIdentity.Public[:]},
			},
		}},
	})
	finish := sc.waitIQ(t, "md", "link_code_companion_reg")
	bundle, ok := finish.GetChildByTag("link_code_companion_reg", "link_code_pairing_wrapped_key_bundle")
	require.True(t, ok)
	adv, err := primary.OpenBundle(bundle.ContentBytes(), identity)
	require.NoError(t, err)
	sc.reply(finish)
	require.Eventually(t, func() bool { return bytes.Equal(c.Device().AdvSecretKey, adv) }, waitTimeout, 5*time.Millisecond)

	account, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	container, err := pairing.IssueDeviceIdentity(account, adv, identity, &pairing.DeviceIdentity{
		RawID: 7, Timestamp: 1700000000, KeyIndex: 3,
	})
	require.NoError(t, err)
	sc.sendNode(binary.Node{
		Tag:   "iq",
		Attrs: attrs("id", "ps-1", "from", types.DefaultUserServer, "type", "set"),
		Content: []binary.Node{{Tag: "pair-success", Content: []binary.Node{
			{Tag: "device-identity", Content: container},
			{Tag: "device", Attrs: attrs("jid", "15551234567:5@s.whatsapp.net")},
			{Tag: "platform", Attrs: attrs("name", "android")},
		}}},
	})
	sign := waitIQID(t, sc, "ps-1")
	signed, ok := sign.GetChildByTag("pair-device-sign", "device-identity")
	require.True(t, ok)
	keyIndex, _ := signed.Attrs.Get("key-index")
	assert.Equal(t, "3", keyIndex)

	ps := waitEvent[*events.PairSuccess](t, log)
	assert.Equal(t, "15551234567:5@s.whatsapp.net", ps.ID.String())
	assert.Equal(t, "android", ps.Platform)
	assert.True(t, pairing.VerifyDeviceSignature(c.Device().Account, identity))
	assert.Less(t, eventIndex[*events.CredentialsUpdated](log), eventIndex[*events.PairSuccess](log))
	stored, err := backend.LoadDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, ps.ID, *stored.ID)

	sc.sendNode(binary.Node{Tag: "stream:error", Attrs: attrs("code", "515")})
	sc2 := edge.next(t)
	assert.False(t, sc2.payload.IsRegistration())
	assert.Equal(t, uint64(15551234567), sc2.payload.Username)
	assert.Equal(t, uint32(5), sc2.payload.Device)

	sc2.login(t, 0)
	upload := sc2.waitIQ(t, "encrypt", "list")
	list, _ := upload.GetChildByTag("list")
	assert.Len(t, list.GetChildrenByTag("key"), DefaultInitialPreKeyCount)
	_, hasSigned := upload.GetChildByTag("skey")
	assert.True(t, hasSigned)
	sc2.reply(upload)

	waitEvent[*events.Connected](t, log)
	assert.True(t, c.IsConnected())
	assert.Equal(t, DefaultInitialPreKeyCount, waitEvent[*events.PreKeysUploaded](t, log).Count)
	n, err := backend.UploadedPreKeyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultInitialPreKeyCount, n)
	assert.Equal(t, int32(2), edge.dials.Load())
}

func eventIndex[T events.Event](l *eventLog) int {
	for i, evt := range l.snapshot() {
		if _, ok := evt.(T); ok {
			return i
		}
	}
	return -1
}

func TestPairSuccessWithBadHMACIsRejected(t *testing.T) {
	edge := newTestEdge(t)
	c, log := newTestClient(t, memstore.New(), testConfig(edge))
	require.NoError(t, c.Connect(context.Background()))
	sc := edge.next(t)

	account, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	container, err := pairing.IssueDeviceIdentity(account, []byte("wrong adv secret"), c.Device().IdentityKey.Public,
		&pairing.DeviceIdentity{RawID: 1})
	require.NoError(t, err)
	sc.sendNode(binary.Node{
		Tag:   "iq",
		Attrs: attrs("id", "ps-1", "from", types.DefaultUserServer, "type", "set"),
		Content: []binary.Node{{Tag: "pair-success", Content: []binary.Node{
			{Tag: "device-identity", Content: container},
			{Tag: "device", Attrs: attrs("jid", "15551234567:5@s.whatsapp.net")},
		}}},
	})
	reply := waitIQID(t, sc, "ps-1")
	typ, _ := reply.Attrs.Get("type")
	assert.Equal(t, "error", typ)
	pe := waitEvent[*events.PairError](t, log)
	assert.ErrorIs(t, pe.Error, pairing.ErrInvalidHMAC)
	assert.False(t, c.Device().IsPaired())
}

func TestQRExhaustedClosesConnection(t *testing.T) {
	edge := newTestEdge(t)
	cfg := testConfig(edge)
	cfg.QRFirstTimeout = 40 * time.Millisecond
	cfg.QRRefTimeout = 20 * time.Millisecond
	c, log := newTestClient(t, memstore.New(), cfg)
	require.NoError(t, c.Connect(context.Background()))
	sc := edge.next(t)

	sc.sendNode(binary.Node{
		Tag:   "iq",
		Attrs: attrs("id", "pd-1", "from", types.DefaultUserServer, "type", "set"),
		Content: []binary.Node{{Tag: "pair-device", Content: []binary.Node{
			{Tag: "ref", Content: []byte("ref-1")},
			{Tag: "ref", Content: []byte("ref-2")},
		}}},
	})
	waitEvent[*events.QRExhausted](t, log)
	waitState(t, c, StateClosed)

	var qrs []*events.QR
	for _, evt := range log.snapshot() {
		if qr, ok := evt.(*events.QR); ok {
			qrs = append(qrs, qr)
		}
	}
	require.Len(t, qrs, 2)
	assert.Len(t, qrs[0].Codes, 2)
	assert.Len(t, qrs[1].Codes, 1)
	assert.True(t, strings.HasPrefix(qrs[1].Codes[0], "ref-2,"))
	assert.Equal(t, int32(1), edge.dials.Load())
}

func TestLoginFailureLogsOut(t *testing.T) {
	edge := newTestEdge(t)
	backend := memstore.New()
	ctx := context.Background()
	require.NoError(t, backend.SaveDevice(ctx, pairedDevice(t, "15550001111", 2)))
	c, log := newTestClient(t, backend, testConfig(edge))

	require.NoError(t, c.Connect(ctx))
	sc := edge.next(t)
	assert.False(t, sc.payload.IsRegistration())
	sc.sendNode(binary.Node{Tag: "failure", Attrs: attrs("reason", "401", "location", "frc")})

	lo := waitEvent[*events.LoggedOut](t, log)
	assert.True(t, lo.OnConnect)
	assert.Equal(t, CodeLoggedOut, lo.Code)
	waitState(t, c, StateClosed)
	_, err := backend.LoadDevice(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, c.Device().IsPaired())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), edge.dials.Load())
	assert.Zero(t, countEvents[*events.Disconnected](log))
}

func TestOtherFailureReconnects(t *testing.T) {
	edge := newTestEdge(t)
	backend := memstore.New()
	require.NoError(t, backend.SaveDevice(context.Background(), pairedDevice(t, "15550001111", 2)))
	cfg := testConfig(edge)
	cfg.FireInitQueries = false
	c, log := newTestClient(t, backend, cfg)

	require.NoError(t, c.Connect(context.Background()))
	edge.next(t).sendNode(binary.Node{Tag: "failure", Attrs: attrs("reason", "500")})
	sc := edge.next(t)
	sc.sendNode(binary.Node{Tag: "success"})
	waitEvent[*events.Connected](t, log)
	assert.Zero(t, countEvents[*events.LoggedOut](log))
	assert.True(t, c.Device().IsPaired())
}

func TestStreamReplacedIsTerminal(t *testing.T) {
	edge := newTestEdge(t)
	backend := memstore.New()
	require.NoError(t, backend.SaveDevice(context.Background(), pairedDevice(t, "15550001111", 2)))
	cfg := testConfig(edge)
	cfg.FireInitQueries = false
	c, log := newTestClient(t, backend, cfg)

	require.NoError(t, c.Connect(context.Background()))
	sc := edge.next(t)
	sc.sendNode(binary.Node{Tag: "success"})
	waitEvent[*events.Connected](t, log)

	sc.sendNode(binary.Node{
		Tag:     "stream:error",
		Content: []binary.Node{{Tag: "conflict", Attrs: attrs("type", "replaced")}},
	})
	waitEvent[*events.StreamReplaced](t, log)
	waitState(t, c, StateClosed)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), edge.dials.Load())
	assert.True(t, c.Device().IsPaired())
}

func TestStaleFrameForcesReconnect(t *testing.T) {
	edge := newTestEdge(t)
	backend := memstore.New()
	require.NoError(t, backend.SaveDevice(context.Background(), pairedDevice(t, "15550001111", 2)))
	cfg := testConfig(edge)
	cfg.FireInitQueries = false
	c, log := newTestClient(t, backend, cfg)

	require.NoError(t, c.Connect(context.Background()))
	sc := edge.next(t)
	sc.sendNode(binary.Node{Tag: "success"})
	waitEvent[*events.Connected](t, log)

	sc.sendNode(binary.Node{Tag: "presence", Attrs: attrs("from", "15550002222@s.whatsapp.net", "type", "unavailable")})
	waitEvent[*events.Presence](t, log)
	sc.replayLast()

	dc := waitEvent[*events.Disconnected](t, log)
	assert.Equal(t, CodeProtocolViolation, dc.Code)
	assert.ErrorIs(t, dc.Err, transport.ErrCounterMismatch)
	sc2 := edge.next(t)
	sc2.sendNode(binary.Node{Tag: "success"})
	require.Eventually(t, func() bool { return countEvents[*events.Connected](log) == 2 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 1, countEvents[*events.Presence](log))
}

func TestDisconnectDoesNotReconnect(t *testing.T) {
	edge := newTestEdge(t)
	backend := memstore.New()
	require.NoError(t, backend.SaveDevice(context.Background(), pairedDevice(t, "15550001111", 2)))
	cfg := testConfig(edge)
	cfg.FireInitQueries = false
	c, log := newTestClient(t, backend, cfg)

	require.NoError(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
	sc := edge.next(t)
	sc.sendNode(binary.Node{Tag: "success"})
	waitEvent[*events.Connected](t, log)

	c.Disconnect()
	assert.Equal(t, StateClosed, c.State())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), edge.dials.Load())
	assert.Zero(t, countEvents[*events.Disconnected](log))

	require.NoError(t, c.Connect(context.Background()))
	edge.next(t)
	assert.Equal(t, int32(2), edge.dials.Load())
}

func TestKeepAliveTimeoutReconnects(t *testing.T) {
	edge := newTestEdge(t)
	backend := memstore.New()
	require.NoError(t, backend.SaveDevice(context.Background(), pairedDevice(t, "15550001111", 2)))
	cfg := testConfig(edge)
	cfg.FireInitQueries = false
	cfg.KeepAliveInterval = 100 * time.Millisecond
	cfg.KeepAliveMaxFailures = 3
	c, log := newTestClient(t, backend, cfg)

	require.NoError(t, c.Connect(context.Background()))
	sc := edge.next(t)
	sc.sendNode(binary.Node{Tag: "success"})
	waitEvent[*events.Connected](t, log)

	sc.waitIQ(t, "w:p", "ping")
	timeout := waitEvent[*events.KeepAliveTimeout](t, log)
	assert.Equal(t, 1, timeout.ErrorCount)
	sc.reply(sc.waitIQ(t, "w:p", "ping"))
	waitEvent[*events.KeepAliveRestored](t, log)

	edge.next(t)
	assert.GreaterOrEqual(t, countEvents[*events.KeepAliveTimeout](log), 1+cfg.KeepAliveMaxFailures)
	assert.Equal(t, int32(2), edge.dials.Load())
}

func TestStateChangesAreReported(t *testing.T) {
	edge := newTestEdge(t)
	backend := memstore.New()
	require.NoError(t, backend.SaveDevice(context.Background(), pairedDevice(t, "15550001111", 2)))
	cfg := testConfig(edge)
	cfg.FireInitQueries = false
	c, log := newTestClient(t, backend, cfg)

	require.NoError(t, c.Connect(context.Background()))
	edge.next(t).sendNode(binary.Node{Tag: "success"})
	waitEvent[*events.Connected](t, log)

	var path []State
	for _, evt := range log.snapshot() {
		if sc, ok := evt.(*events.StateChange); ok {
			path = append(path, sc.To)
		}
	}
	assert.Equal(t, []State{StateConnecting, StateHandshaking, StateAuthenticating, StateSyncing, StateOpen}, path)
}

func stateChanges(l *eventLog) []*events.StateChange {
	var out []*events.StateChange
	for _, evt := range l.snapshot() {
		if sc, ok := evt.(*events.StateChange); ok {
			out = append(out, sc)
		}
	}
	return out
}

func TestSkippedCounterClosesBeforeReconnect(t *testing.T) {
	edge := newTestEdge(t)
	backend := memstore.New()
	require.NoError(t, backend.SaveDevice(context.Background(), pairedDevice(t, "15550001111", 2)))
	cfg := testConfig(edge)
	cfg.FireInitQueries = false
	c, log := newTestClient(t, backend, cfg)

	require.NoError(t, c.Connect(context.Background()))
	sc := edge.next(t)
	sc.sendNode(binary.Node{Tag: "success"})
	waitEvent[*events.Connected](t, log)

	// The client expects counter 1 and receives 3.
	sc.skipCounter(2)
	sc.sendNode(binary.Node{Tag: "presence", Attrs: attrs("from", "15550002222@s.whatsapp.net", "type", "unavailable")})

	dc := waitEvent[*events.Disconnected](t, log)
	assert.Equal(t, CodeProtocolViolation, dc.Code)
	assert.Contains(t, dc.Reason, "protocol violation")
	require.Error(t, dc.Err)
	assert.ErrorIs(t, dc.Err, transport.ErrCounterMismatch)
	assert.ErrorIs(t, dc.Err, ErrTransport)

	edge.next(t).sendNode(binary.Node{Tag: "success"})
	require.Eventually(t, func() bool { return countEvents[*events.Connected](log) == 2 }, waitTimeout, 5*time.Millisecond)
	assert.Zero(t, countEvents[*events.Presence](log))

	var path []State
	var closed *events.StateChange
	for _, ch := range stateChanges(log) {
		path = append(path, ch.To)
		if ch.To == StateClosed && closed == nil {
			closed = ch
		}
	}
	assert.Equal(t, []State{
		StateConnecting, StateHandshaking, StateAuthenticating, StateSyncing, StateOpen,
		StateClosed, StateReconnecting, StateConnecting, StateHandshaking, StateAuthenticating, StateSyncing, StateOpen,
	}, path)
	require.NotNil(t, closed)
	assert.Equal(t, StateOpen, closed.From)
	assert.Equal(t, CodeProtocolViolation, closed.Code)
	assert.Contains(t, closed.Reason, "frame counter mismatch")
}

func TestDroppedSocketIsConnectionLost(t *testing.T) {
	edge := newTestEdge(t)
	backend := memstore.New()
	require.NoError(t, backend.SaveDevice(context.Background(), pairedDevice(t, "15550001111", 2)))
	cfg := testConfig(edge)
	cfg.FireInitQueries = false
	c, log := newTestClient(t, backend, cfg)

	require.NoError(t, c.Connect(context.Background()))
	sc := edge.next(t)
	sc.sendNode(binary.Node{Tag: "success"})
	waitEvent[*events.Connected](t, log)

	sc.close()
	dc := waitEvent[*events.Disconnected](t, log)
	assert.Equal(t, CodeConnectionLost, dc.Code)
	assert.ErrorIs(t, dc.Err, ErrTransport)
	assert.NotErrorIs(t, dc.Err, transport.ErrCounterMismatch)
	edge.next(t)
}

func TestDisconnectDuringReconnectStaysClosed(t *testing.T) {
	edge := newTestEdge(t)
	backend := memstore.New()
	require.NoError(t, backend.SaveDevice(context.Background(), pairedDevice(t, "15550001111", 2)))
	cfg := testConfig(edge)
	cfg.FireInitQueries = false

	// The second dial waits until Disconnect has run, then succeeds.
	dialing := make(chan struct{})
	release := make(chan struct{})
	cfg.Dial = func(ctx context.Context, url, origin string) (io.ReadWriteCloser, error) {
		if edge.dials.Load() == 1 {
			close(dialing)
			<-release
		}
		return edge.dial(ctx, url, origin)
	}
	c, log := newTestClient(t, backend, cfg)

	require.NoError(t, c.Connect(context.Background()))
	sc := edge.next(t)
	sc.sendNode(binary.Node{Tag: "success"})
	waitEvent[*events.Connected](t, log)

	sc.close()
	select {
	case <-dialing:
	case <-time.After(waitTimeout):
		t.Fatal("client did not redial")
	}
	c.Disconnect()
	assert.Equal(t, StateClosed, c.State())
	close(release)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateClosed, c.State())
	assert.Nil(t, c.currentConn())
	changes := stateChanges(log)
	require.NotEmpty(t, changes)
	assert.Equal(t, StateClosed, changes[len(changes)-1].To)
	assert.Zero(t, countEvents[*events.ConnectFailure](log))
	assert.Equal(t, int32(2), edge.dials.Load())
}

func TestRegistrationPayloadCarriesHistorySync(t *testing.T) {
	edge := newTestEdge(t)
	cfg := testConfig(edge)
	cfg.HistorySync = HistorySync{Full: true, Types: []int{0, 3, -1, 5}}
	c, _ := newTestClient(t, memstore.New(), cfg)

	payload := c.clientPayload()
	require.True(t, payload.IsRegistration())
	props, err := noise.UnmarshalDeviceProps(payload.Pairing.DeviceProps)
	require.NoError(t, err)
	assert.True(t, props.RequireFullSync)
	assert.Equal(t, []uint32{0, 3, 5}, props.HistorySyncTypes)

	// The edge sees the same selection after the handshake.
	require.NoError(t, c.Connect(context.Background()))
	sc := edge.next(t)
	props, err = noise.UnmarshalDeviceProps(sc.payload.Pairing.DeviceProps)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 3, 5}, props.HistorySyncTypes)
}

// requestCode runs RequestPairingCode against the edge and answers the
// companion hello with ref. It returns the code and the wrapped companion
// ephemeral key the primary needs.
func requestCode(t *testing.T, c *Client, sc *edgeConn, ref string) (string, []byte) {
	t.Helper()
	type codeResult struct {
		code string
		err  error
	}
	done := make(chan codeResult, 1)
	go func() {
		code, err := c.RequestPairingCode(context.Background(), "+1 555 123 4567")
		done <- codeResult{code, err}
	}()
	hello := sc.waitIQ(t, "md", "link_code_companion_reg")
	wrapped, ok := hello.GetChildByTag("link_code_companion_reg", "link_code_pairing_wrapped_companion_ephemeral_pub")
	require.True(t, ok)
	sc.reply(hello, binary.Node{Tag: "link_code_companion_reg", Content: []binary.Node{
		{Tag: "link_code_pairing_ref", Content: []byte(ref)},
	}})
	select {
	case res := <-done:
		require.NoError(t, res.err)
		return strings.ReplaceAll(res.code, "-", ""), wrapped.ContentBytes()
	case <-time.After(waitTimeout):
		t.Fatal("RequestPairingCode did not return")
		return "", nil
	}
}

func primaryHelloNode(t *testing.T, id, ref, code string, wrapped []byte) (binary.Node, *pairing.Primary) {
	t.Helper()
	identity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	primary, err := pairing.NewPrimary(identity, code, wrapped)
	require.NoError(t, err)
	hello, err := primary.Hello()
	require.NoError(t, err)
	return binary.Node{
		Tag:   "notification",
		Attrs: attrs("id", id, "from", types.DefaultUserServer, "type", "link_code_companion_reg"),
		Content: []binary.Node{{
			Tag:   "link_code_companion_reg",
			Attrs: attrs("stage", "primary_hello"),
			Content: []binary.Node{
				{Tag: "link_code_pairing_ref", Content: []byte(ref)},
				{Tag: "link_code_pairing_wrapped_primary_ephemeral_pub", Content: hello},
				{Tag: "primary_identity_pub", Content: identity.Public[:]},
			},
		}},
	}, primary
}

func TestNewPairingCodeInvalidatesPrevious(t *testing.T) {
	edge := newTestEdge(t)
	c, _ := newTestClient(t, memstore.New(), testConfig(edge))

	require.NoError(t, c.Connect(context.Background()))
	sc := edge.next(t)
	waitState(t, c, StateRegistering)
	identity := c.Device().IdentityKey.Public

	firstCode, firstWrapped := requestCode(t, c, sc, "ref-first")
	secondCode, secondWrapped := requestCode(t, c, sc, "ref-second")
	assert.NotEqual(t, firstCode, secondCode)

	stale, _ := primaryHelloNode(t, "n-1", "ref-first", firstCode, firstWrapped)
	sc.sendNode(stale)
	current, primary := primaryHelloNode(t, "n-2", "ref-second", secondCode, secondWrapped)
	sc.sendNode(current)

	// The first companion_finish must belong to the second challenge.
	finish := sc.waitIQ(t, "md", "link_code_companion_reg")
	reg, _ := finish.GetChildByTag("link_code_companion_reg")
	stage, _ := reg.Attrs.Get("stage")
	assert.Equal(t, "companion_finish", stage)
	ref, ok := reg.GetChildByTag("link_code_pairing_ref")
	require.True(t, ok)
	assert.Equal(t, "ref-second", string(ref.ContentBytes()))

	bundle, ok := reg.GetChildByTag("link_code_pairing_wrapped_key_bundle")
	require.True(t, ok)
	adv, err := primary.OpenBundle(bundle.ContentBytes(), identity)
	require.NoError(t, err)
	sc.reply(finish)
	require.Eventually(t, func() bool { return bytes.Equal(c.Device().AdvSecretKey, adv) }, waitTimeout, 5*time.Millisecond)
}

func TestStalePairingCodeSendsNoFinish(t *testing.T) {
	edge := newTestEdge(t)
	c, _ := newTestClient(t, memstore.New(), testConfig(edge))

	require.NoError(t, c.Connect(context.Background()))
	sc := edge.next(t)
	waitState(t, c, StateRegistering)

	firstCode, firstWrapped := requestCode(t, c, sc, "ref-first")
	requestCode(t, c, sc, "ref-second")

	stale, _ := primaryHelloNode(t, "n-1", "ref-first", firstCode, firstWrapped)
	sc.sendNode(stale)

	isFinish := func(n binary.Node) bool {
		reg, ok := n.GetChildByTag("link_code_companion_reg")
		if n.Tag != "iq" || !ok {
			return false
		}
		stage, _ := reg.Attrs.Get("stage")
		return stage == "companion_finish"
	}
	finished := 0
	ack := sc.waitFor(t, "ack n-1", func(n binary.Node) bool {
		if isFinish(n) {
			finished++
		}
		return n.Tag == "ack" && iqID(n) == "n-1"
	})
	cls, _ := ack.Attrs.Get("class")
	assert.Equal(t, "notification", cls)
	time.Sleep(100 * time.Millisecond)
	for _, n := range sc.drain() {
		if isFinish(n) {
			finished++
		}
	}
	assert.Zero(t, finished, "stale challenge must not send companion_finish")
	assert.Empty(t, c.Device().AdvSecretKey)
}

func TestClientCachesSweepExpiredEntries(t *testing.T) {
	cfg := testConfig(newTestEdge(t))
	cfg.CacheTTLs.DeviceList = 20 * time.Millisecond
	cfg.CacheTTLs.MsgRetry = 20 * time.Millisecond
	cfg.CacheTTLs.CallOffer = 20 * time.Millisecond
	c, _ := newTestClient(t, memstore.New(), cfg)

	c.devices.Set("15550002222", []types.JID{types.NewADJID("15550002222", 1, types.DefaultUserServer)})
	c.msgRetry.Set("msg-1", 1)
	c.callOffers.Set("call-1", &events.CallOffer{})
	require.Equal(t, 1, c.devices.Len())

	// Nothing reads the entries, so only the janitor can drop them.
	assert.Eventually(t, func() bool {
		return c.devices.Len() == 0 && c.msgRetry.Len() == 0 && c.callOffers.Len() == 0
	}, waitTimeout, 5*time.Millisecond)
}

func TestUpdateDeviceCopiesOnWrite(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	require.NoError(t, backend.SaveDevice(ctx, pairedDevice(t, "15550001111", 2)))
	c, _ := newTestClient(t, backend, testConfig(newTestEdge(t)))

	before := c.Device()
	require.Nil(t, before.LID)
	lid := types.NewJID("123456789", types.HiddenUserServer)
	require.NoError(t, c.updateDevice(ctx, func(d *store.Device) { d.LID = &lid }))

	assert.Nil(t, before.LID, "a record handed out earlier must not change")
	after := c.Device()
	assert.NotSame(t, before, after)
	require.NotNil(t, after.LID)
	assert.Equal(t, lid, *after.LID)
	stored, err := backend.LoadDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, lid, *stored.LID)
}

func TestPreKeyCounterSurvivesDeviceUpdates(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	require.NoError(t, backend.SaveDevice(ctx, pairedDevice(t, "15550001111", 2)))
	c, _ := newTestClient(t, backend, testConfig(newTestEdge(t)))

	start := c.Device().NextPreKeyID
	keys, err := c.sessions().GeneratePreKeys(ctx, 5)
	require.NoError(t, err)
	require.Len(t, keys, 5)
	assert.Equal(t, start+5, c.Device().NextPreKeyID)

	// A later update starts from the advanced counter instead of reverting it.
	require.NoError(t, c.updateDevice(ctx, func(d *store.Device) { d.Platform = "android" }))
	stored, err := backend.LoadDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, start+5, stored.NextPreKeyID)
	assert.Equal(t, "android", stored.Platform)

	more, err := c.sessions().GeneratePreKeys(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, start+5, more[0].KeyID)
}
