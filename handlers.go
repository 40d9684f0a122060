package wacore

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/events"
	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/types"
)

// handleNode runs on the connection's read loop. Anything that waits for
// another stanza is moved off the loop.
func (c *Client) handleNode(conn *connection, node binary.Node) {
	switch node.Tag {
	case "iq":
		if !c.corr.Resolve(node) {
			c.handleIQ(conn, node)
		}
	case "ack":
		c.corr.Resolve(node)
	case "success":
		c.handleSuccess(conn, node)
	case "failure":
		c.handleFailure(conn, node)
	case "stream:error":
		c.handleStreamError(conn, node)
	case "xmlstreamend":
		conn.close(&DisconnectError{Code: CodeConnectionClosed, Reason: "stream ended"})
	case "message":
		c.handleMessage(node)
	case "receipt":
		c.handleReceipt(node)
		c.sendAck(node)
	case "notification":
		c.handleNotification(conn, node)
		c.sendAck(node)
	case "call":
		c.handleCall(node)
		c.sendAck(node)
	case "presence":
		c.handlePresence(node)
	case "chatstate":
		c.handleChatState(node)
	case "ib":
		c.handleIB(node)
	default:
		c.log.WithFields(logrus.Fields{
			"function": "handleNode",
			"tag":      node.Tag,
		}).Debug("Ignoring unhandled stanza")
	}
}

func (c *Client) handleIQ(conn *connection, node binary.Node) {
	typ, _ := node.Attrs.Get("type")
	switch {
	case hasChild(node, "pair-device") && typ == "set":
		c.handlePairDevice(conn, node)
	case hasChild(node, "pair-success"):
		c.handlePairSuccess(conn, node)
	case hasChild(node, "ping") && typ == "get":
		c.sendIQResult(node)
	default:
		c.log.WithFields(logrus.Fields{
			"function": "handleIQ",
			"type":     typ,
		}).Debug("Ignoring unsolicited iq")
	}
}

func hasChild(node binary.Node, tag string) bool {
	_, ok := node.GetChildByTag(tag)
	return ok
}

// sendIQResult acknowledges a server iq.
func (c *Client) sendIQResult(node binary.Node) {
	id, _ := node.Attrs.Get("id")
	reply := binary.Node{Tag: "iq", Attrs: attrs("id", id, "to", types.DefaultUserServer, "type", "result")}
	if err := c.sendNode(c.ctx, reply); err != nil {
		c.log.WithError(err).WithField("function", "sendIQResult").Warn("Failed to answer iq")
	}
}

// sendAck acknowledges a non-iq stanza so the server stops redelivering it.
func (c *Client) sendAck(node binary.Node) {
	id, _ := node.Attrs.Get("id")
	from, _ := node.Attrs.Get("from")
	ack := binary.Node{Tag: "ack", Attrs: attrs("id", id, "to", from, "class", node.Tag)}
	if participant, ok := node.Attrs.Get("participant"); ok {
		ack.Attrs.Set("participant", participant)
	}
	if typ, ok := node.Attrs.Get("type"); ok && node.Tag != "message" {
		ack.Attrs.Set("type", typ)
	}
	if err := c.sendNode(c.ctx, ack); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"function": "sendAck",
			"class":    node.Tag,
		}).Debug("Failed to send ack")
	}
}

func (c *Client) handleSuccess(conn *connection, node binary.Node) {
	log := c.log.WithField("function", "handleSuccess")
	if !c.transition([]State{StateAuthenticating}, StateSyncing) {
		log.WithField("state", c.State().String()).Warn("Unexpected success stanza")
		return
	}
	if lid := node.AttrGetter().OptionalJID("lid"); !lid.IsEmpty() {
		if err := c.updateDevice(conn.ctx, func(d *store.Device) { d.LID = &lid }); err != nil {
			log.WithError(err).Warn("Failed to store LID")
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.initConnection(conn); err != nil {
			log.WithError(err).Warn("Connection init failed")
			conn.close(&DisconnectError{Code: CodeConnectionLost, Reason: "init queries failed", Err: err})
			return
		}
		if !c.transition([]State{StateSyncing}, StateOpen) {
			return
		}
		c.failures.Store(0)
		log.Info("Connection open")
		c.dispatch(&events.Connected{})
	}()
}

// initConnection runs the queries that take a fresh login to open.
func (c *Client) initConnection(conn *connection) error {
	ctx := conn.ctx
	if c.cfg.FireInitQueries {
		if err := c.setPassive(ctx, false); err != nil {
			return err
		}
		if err := c.ensurePreKeys(ctx); err != nil {
			return err
		}
	}
	if c.cfg.MarkOnlineOnConnect {
		if name := c.Device().PushName; name != "" {
			presence := binary.Node{Tag: "presence", Attrs: attrs("type", "available", "name", name)}
			if err := c.sendNode(ctx, presence); err != nil {
				return err
			}
		}
	}
	c.wg.Add(1)
	go c.keepAlive(conn)
	return nil
}

func (c *Client) setPassive(ctx context.Context, passive bool) error {
	tag := "active"
	if passive {
		tag = "passive"
	}
	_, err := c.query(ctx, binary.Node{
		Tag:     "iq",
		Attrs:   attrs("to", types.DefaultUserServer, "type", "set", "xmlns", "passive"),
		Content: []binary.Node{{Tag: tag}},
	})
	return err
}

func (c *Client) handleFailure(conn *connection, node binary.Node) {
	ag := node.AttrGetter()
	code := ag.OptionalInt("reason")
	c.log.WithFields(logrus.Fields{
		"function": "handleFailure",
		"code":     code,
		"location": ag.OptionalString("location"),
	}).Warn("Server rejected connection")

	if IsUnauthorizedCode(code) {
		c.loggedOut(conn, true, "connect failure", code)
		return
	}
	conn.close(&DisconnectError{Code: code, Reason: "connect failure"})
}

func (c *Client) handleStreamError(conn *connection, node binary.Node) {
	code, _ := node.Attrs.Get("code")
	conflict, hasConflict := node.GetChildByTag("conflict")
	log := c.log.WithFields(logrus.Fields{
		"function": "handleStreamError",
		"code":     code,
	})

	switch {
	case code == "515":
		log.Info("Server requested a restart")
		conn.close(&DisconnectError{Code: CodeRestartRequired, Reason: "restart required"})
	case code == "401":
		c.loggedOut(conn, false, "stream error", CodeLoggedOut)
	case hasConflict:
		typ, _ := conflict.Attrs.Get("type")
		if typ == "device_removed" {
			c.loggedOut(conn, false, "device removed", CodeLoggedOut)
			return
		}
		log.WithField("conflict", typ).Warn("Stream replaced by another connection")
		c.dispatch(&events.StreamReplaced{})
		conn.close(&DisconnectError{Code: CodeReplaced, Reason: "stream replaced", Terminal: true})
	case code == "503":
		conn.close(&DisconnectError{Code: CodeUnavailable, Reason: "service unavailable"})
	default:
		log.Warn("Unknown stream error")
		c.dispatch(&events.StreamError{Code: code, Raw: node})
		n, err := strconv.Atoi(code)
		if err != nil {
			n = CodeBadSession
		}
		conn.close(&DisconnectError{Code: n, Reason: "stream error"})
	}
}

// loggedOut handles revocation: the device is deleted, handlers are told
// and the connection closes without reconnecting.
func (c *Client) loggedOut(conn *connection, onConnect bool, reason string, code int) {
	c.log.WithFields(logrus.Fields{
		"function": "loggedOut",
		"reason":   reason,
		"code":     code,
	}).Warn("Device logged out")
	c.resetDevice(c.ctx)
	c.dispatch(&events.LoggedOut{OnConnect: onConnect, Reason: reason, Code: code})
	conn.close(&DisconnectError{Code: code, Reason: reason, Terminal: true, Err: ErrUnauthorized})
}

func (c *Client) handleNotification(conn *connection, node binary.Node) {
	typ, _ := node.Attrs.Get("type")
	ag := node.AttrGetter()
	switch typ {
	case "encrypt":
		if child, ok := node.GetChildByTag("count"); ok {
			count := child.AttrGetter().OptionalInt("value")
			if count < c.cfg.MinPreKeyCount {
				c.wg.Add(1)
				go func() {
					defer c.wg.Done()
					if err := c.uploadPreKeys(conn.ctx, c.cfg.InitialPreKeyCount); err != nil {
						c.log.WithError(err).WithField("function", "handleNotification").Warn("Prekey upload failed")
					}
				}()
			}
		} else if _, ok := node.GetChildByTag("identity"); ok {
			from := ag.OptionalJID("from")
			log := c.log.WithFields(logrus.Fields{
				"function": "handleNotification",
				"peer":     from.String(),
			})
			log.Info("Peer identity changed, dropping session")
			unlock := c.peerLocks.Lock(from.SignalAddress())
			if err := c.sessions().DeleteSession(c.ctx, from); err != nil {
				log.WithError(err).Warn("Failed to drop session")
			}
			unlock()
		}
	case "devices":
		from := ag.OptionalJID("from")
		c.devices.Delete(from.User)
		c.dispatch(&events.DevicesChanged{User: from.ToNonAD()})
	case "link_code_companion_reg":
		c.handleCodePairNotification(conn, node)
	default:
		c.log.WithFields(logrus.Fields{
			"function": "handleNotification",
			"type":     typ,
		}).Debug("Ignoring notification")
	}
}

func (c *Client) handleReceipt(node binary.Node) {
	ag := node.AttrGetter()
	from := ag.JID("from")
	receipt := &events.Receipt{
		Chat:      from,
		Sender:    ag.OptionalJID("participant"),
		Type:      events.ReceiptType(ag.OptionalString("type")),
		Timestamp: time.Unix(int64(ag.OptionalInt("t")), 0),
	}
	if receipt.Sender.IsEmpty() {
		receipt.Sender = from
	}
	if !from.IsGroup() {
		receipt.Chat = from.ToNonAD()
	}
	id := ag.String("id")
	if !ag.OK() {
		c.log.WithError(ag.Error()).WithField("function", "handleReceipt").Warn("Malformed receipt")
		return
	}
	receipt.MessageIDs = []string{id}
	if list, ok := node.GetChildByTag("list"); ok {
		for _, item := range list.GetChildrenByTag("item") {
			if itemID, ok := item.Attrs.Get("id"); ok {
				receipt.MessageIDs = append(receipt.MessageIDs, itemID)
			}
		}
	}
	if receipt.Type == events.ReceiptRetry {
		c.handleRetryReceipt(node, receipt)
	}
	c.dispatch(receipt)
}

func (c *Client) handlePresence(node binary.Node) {
	ag := node.AttrGetter()
	evt := &events.Presence{
		From:        ag.JID("from"),
		Unavailable: ag.OptionalString("type") == "unavailable",
	}
	if last := ag.OptionalInt("last"); last > 0 {
		evt.LastSeen = time.Unix(int64(last), 0)
	}
	if ag.OK() {
		c.dispatch(evt)
	}
}

func (c *Client) handleChatState(node binary.Node) {
	ag := node.AttrGetter()
	evt := &events.ChatPresence{Chat: ag.JID("from"), Sender: ag.OptionalJID("participant")}
	if !ag.OK() {
		return
	}
	if evt.Sender.IsEmpty() {
		evt.Sender = evt.Chat
	}
	children := node.GetChildren()
	if len(children) == 0 {
		return
	}
	evt.State = children[0].Tag
	evt.Media, _ = children[0].Attrs.Get("media")
	c.dispatch(evt)
}

func (c *Client) handleIB(node binary.Node) {
	for _, child := range node.GetChildren() {
		ag := child.AttrGetter()
		switch child.Tag {
		case "offline_preview":
			c.dispatch(&events.OfflineSyncPreview{Total: ag.OptionalInt("count")})
		case "offline":
			c.dispatch(&events.OfflineSyncCompleted{Count: ag.OptionalInt("count")})
		}
	}
}
