package wacore

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/events"
	"github.com/opd-ai/wacore/types"
)

// handleRetryReceipt resends a message a peer device could not decrypt. The
// session with that device is dropped first so the resend starts fresh.
func (c *Client) handleRetryReceipt(node binary.Node, receipt *events.Receipt) {
	retry, ok := node.GetChildByTag("retry")
	if !ok {
		return
	}
	id, _ := retry.Attrs.Get("id")
	if id == "" {
		id = receipt.MessageIDs[0]
	}
	device := receipt.Sender
	log := c.log.WithFields(logrus.Fields{
		"function": "handleRetryReceipt",
		"id":       id,
		"device":   device.String(),
	})

	count := c.msgRetry.Update("resend|"+device.String()+"|"+id, func(cur int, _ bool) int { return cur + 1 })
	if count > c.cfg.MaxMsgRetryCount {
		log.WithField("count", count).Warn("Not resending, retry limit reached")
		return
	}
	if c.cfg.GetMessage == nil {
		log.Debug("No message source configured, cannot resend")
		return
	}

	c.inbound.Go(device.SignalAddress(), func() {
		if err := c.resend(node, receipt.Chat, device, id); err != nil {
			log.WithError(err).Warn("Resend failed")
		}
	})
}

func (c *Client) resend(node binary.Node, chat, device types.JID, id string) error {
	ctx := c.ctx
	plaintext, err := c.cfg.GetMessage(ctx, chat, id)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if plaintext == nil {
		return fmt.Errorf("message %s not found", id)
	}

	unlock := c.peerLocks.Lock(device.SignalAddress())
	err = c.sessions().DeleteSession(ctx, device)
	unlock()
	if err != nil {
		return fmt.Errorf("%w: drop session: %w", ErrSession, err)
	}

	if keys, ok := node.GetChildByTag("keys"); ok {
		bundleNode := binary.Node{Tag: "keys", Content: keys.GetChildren()}
		if reg, ok := node.GetChildByTag("registration"); ok {
			bundleNode.Content = append(bundleNode.GetChildren(), reg)
		}
		bundle, err := parsePreKeyBundle(bundleNode)
		if err != nil {
			return err
		}
		if err := c.injectSession(ctx, device, bundle); err != nil {
			return fmt.Errorf("%w: %w", ErrSession, err)
		}
	}

	var msg binary.Node
	if chat.IsGroup() {
		msg, err = c.groupMessageNode(ctx, id, chat, []types.JID{device}, plaintext)
		if err != nil {
			return err
		}
	} else {
		participants, includeIdentity, err := c.encryptForDevices(ctx, []types.JID{device}, func(types.JID) []byte { return plaintext })
		if err != nil {
			return err
		}
		msg = c.messageNode(id, chat, participants, includeIdentity)
	}
	return c.sendMessageNode(ctx, msg)
}
