package wacore

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/events"
	"github.com/opd-ai/wacore/noise"
)

func (c *Client) parseMessageInfo(node binary.Node) (events.MessageInfo, error) {
	ag := node.AttrGetter()
	from := ag.JID("from")
	info := events.MessageInfo{
		ID:        ag.String("id"),
		Type:      ag.OptionalString("type"),
		PushName:  ag.OptionalString("notify"),
		Timestamp: ag.UnixTime("t"),
	}
	if from.IsGroup() {
		info.IsGroup = true
		info.Chat = from
		info.Sender = ag.JID("participant")
	} else {
		info.Chat = from.ToNonAD()
		info.Sender = from
	}
	if !ag.OK() {
		return info, ag.Error()
	}
	if own := c.Device().ID; own != nil && info.Sender.User == own.User {
		info.IsFromMe = true
		if recipient := ag.OptionalJID("recipient"); !info.IsGroup && !recipient.IsEmpty() {
			info.Chat = recipient.ToNonAD()
		}
	}
	return info, nil
}

// handleMessage queues an inbound message behind earlier messages from the
// same sender. Messages from different senders decrypt concurrently.
func (c *Client) handleMessage(node binary.Node) {
	info, err := c.parseMessageInfo(node)
	if err != nil {
		c.log.WithError(err).WithField("function", "handleMessage").Warn("Malformed message stanza")
		c.sendAck(node)
		return
	}
	if c.cfg.ShouldIgnoreJID != nil && c.cfg.ShouldIgnoreJID(info.Sender) {
		c.log.WithFields(logrus.Fields{
			"function": "handleMessage",
			"sender":   info.Sender.String(),
		}).Debug("Ignoring message from filtered sender")
		c.sendAck(node)
		return
	}
	c.inbound.Go(info.Sender.SignalAddress(), func() {
		c.processMessage(info, node)
		c.sendAck(node)
	})
}

func (c *Client) processMessage(info events.MessageInfo, node binary.Node) {
	ctx := c.ctx
	log := c.log.WithFields(logrus.Fields{
		"function": "processMessage",
		"id":       info.ID,
		"sender":   info.Sender.String(),
	})

	var plaintext []byte
	var failed error
	failedType := ""
	for _, enc := range node.GetChildrenByTag("enc") {
		encType, _ := enc.Attrs.Get("type")
		pt, err := c.decryptEnc(ctx, info, encType, enc.ContentBytes())
		if err != nil {
			failed, failedType = err, encType
			log.WithError(err).WithField("type", encType).Warn("Failed to decrypt")
			continue
		}
		if pt != nil {
			plaintext = pt
		}
	}

	retryKey := info.Sender.String() + "|" + info.ID
	switch {
	case plaintext != nil:
		retries, _ := c.msgRetry.Get(retryKey)
		c.msgRetry.Delete(retryKey)
		c.sendDeliveryReceipt(info)
		if info.IsFromMe && !c.cfg.EmitOwnEvents {
			return
		}
		c.dispatch(&events.Message{Info: info, Plaintext: plaintext, RetryCount: retries})
	case failed != nil:
		c.metrics.DecryptFailure(failedType)
		c.handleDecryptFailure(ctx, info, failed)
	}
}

// decryptEnc decrypts one enc child. In group chats pairwise messages carry
// the sender's key distribution and return no content.
func (c *Client) decryptEnc(ctx context.Context, info events.MessageInfo, encType string, ciphertext []byte) ([]byte, error) {
	repo := c.sessions()
	switch encType {
	case "pkmsg", "msg":
		unlock := c.peerLocks.Lock(info.Sender.SignalAddress())
		pt, err := repo.DecryptMessage(ctx, info.Sender, encType, ciphertext)
		unlock()
		if err != nil || !info.IsGroup {
			return pt, err
		}
		unlock = c.peerLocks.Lock(senderKeyLockKey(info.Chat, info.Sender))
		defer unlock()
		return nil, repo.ProcessSenderKeyDistribution(ctx, info.Chat, info.Sender, pt)
	case "skmsg":
		unlock := c.peerLocks.Lock(senderKeyLockKey(info.Chat, info.Sender))
		defer unlock()
		return repo.DecryptGroupMessage(ctx, info.Chat, info.Sender, ciphertext)
	default:
		return nil, fmt.Errorf("%w: unknown enc type %q", ErrSession, encType)
	}
}

func (c *Client) sendDeliveryReceipt(info events.MessageInfo) {
	receipt := binary.Node{Tag: "receipt", Attrs: attrs("id", info.ID, "to", info.Chat.String())}
	if info.IsFromMe {
		receipt.Attrs.Set("type", "sender")
	}
	if info.IsGroup || info.IsFromMe {
		receipt.Attrs.Set("participant", info.Sender.String())
	}
	if err := c.sendNode(c.ctx, receipt); err != nil {
		c.log.WithError(err).WithField("function", "sendDeliveryReceipt").Debug("Failed to send receipt")
	}
}

// handleDecryptFailure counts the failure and asks the sender to resend,
// giving up after MaxMsgRetryCount receipts.
func (c *Client) handleDecryptFailure(ctx context.Context, info events.MessageInfo, cause error) {
	count := c.msgRetry.Update(info.Sender.String()+"|"+info.ID, func(cur int, _ bool) int { return cur + 1 })
	evt := &events.UndecryptableMessage{Info: info, RetryCount: count, Err: fmt.Errorf("%w: %w", ErrSession, cause)}
	if count > c.cfg.MaxMsgRetryCount {
		c.log.WithFields(logrus.Fields{
			"function": "handleDecryptFailure",
			"id":       info.ID,
			"count":    count,
		}).Warn("Giving up on undecryptable message")
		evt.Permanent = true
		c.dispatch(evt)
		return
	}
	if err := c.sendRetryReceipt(ctx, info, count); err != nil {
		c.log.WithError(err).WithField("function", "handleDecryptFailure").Warn("Failed to send retry receipt")
	}
	c.dispatch(evt)
}

// sendRetryReceipt asks the sender to re-encrypt. From the second attempt on
// it carries a fresh key bundle so the sender can rebuild the session.
func (c *Client) sendRetryReceipt(ctx context.Context, info events.MessageInfo, count int) error {
	device := c.Device()
	receipt := binary.Node{
		Tag:   "receipt",
		Attrs: attrs("id", info.ID, "to", info.Chat.String(), "type", "retry"),
	}
	if info.IsGroup || info.IsFromMe {
		receipt.Attrs.Set("participant", info.Sender.String())
	}
	content := []binary.Node{
		{
			Tag: "retry",
			Attrs: attrs(
				"count", fmt.Sprint(count),
				"id", info.ID,
				"t", fmt.Sprint(info.Timestamp.Unix()),
				"v", "1",
			),
		},
		{Tag: "registration", Content: noise.EncodeUint32(device.RegistrationID)},
	}
	if count >= 2 {
		keys, err := c.retryKeys(ctx)
		if err != nil {
			return err
		}
		content = append(content, keys)
	}
	receipt.Content = content
	return c.sendNode(ctx, receipt)
}

func (c *Client) retryKeys(ctx context.Context) (binary.Node, error) {
	c.preKeyMu.Lock()
	keys, err := c.sessions().GeneratePreKeys(ctx, 1)
	c.preKeyMu.Unlock()
	if err != nil {
		return binary.Node{}, fmt.Errorf("generate retry prekey: %w", err)
	}
	if len(keys) == 0 {
		return binary.Node{}, errors.New("no retry prekey generated")
	}
	device := c.Device()
	return binary.Node{
		Tag: "keys",
		Content: []binary.Node{
			{Tag: "type", Content: []byte{crypto.KeyBundleType}},
			{Tag: "identity", Content: device.IdentityKey.Public[:]},
			preKeyNode(keys[0]),
			preKeyNode(device.SignedPreKey),
			{Tag: "device-identity", Content: device.Account},
		},
	}, nil
}
