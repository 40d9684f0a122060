package wacore

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/events"
	"github.com/opd-ai/wacore/pairing"
	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/types"
)

// RequestPairingCode starts phone-number pairing for phone and returns the
// code to type on the primary device, formatted XXXX-XXXX. It is only valid
// while an unpaired device is registering. A new request replaces the
// previous challenge.
func (c *Client) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if c.Device().IsPaired() {
		return "", ErrAlreadyPaired
	}
	if c.State() != StateRegistering {
		return "", ErrNotConnected
	}
	ch, err := pairing.NewChallenge(phone)
	if err != nil {
		return "", err
	}

	device := c.Device()
	resp, err := c.query(ctx, binary.Node{
		Tag:   "iq",
		Attrs: attrs("to", types.DefaultUserServer, "type", "set", "xmlns", "md"),
		Content: []binary.Node{{
			Tag: "link_code_companion_reg",
			Attrs: attrs(
				"jid", types.NewJID(ch.Phone, types.DefaultUserServer).String(),
				"stage", "companion_hello",
				"should_show_push_notification", "true",
			),
			Content: []binary.Node{
				{Tag: "link_code_pairing_wrapped_companion_ephemeral_pub", Content: ch.Wrapped},
				{Tag: "companion_server_auth_key_pub", Content: device.NoiseKey.Public[:]},
				{Tag: "companion_platform_id", Content: []byte(fmt.Sprint(browserPlatformType(c.cfg.Browser.Name)))},
				{Tag: "companion_platform_display", Content: []byte(c.cfg.Browser.String())},
				{Tag: "link_code_pairing_nonce", Content: []byte("0")},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("companion hello: %w", err)
	}
	reg, ok := resp.GetChildByTag("link_code_companion_reg")
	if !ok {
		return "", fmt.Errorf("%w: companion hello response", pairing.ErrMalformed)
	}
	refNode, ok := reg.GetChildByTag("link_code_pairing_ref")
	if !ok || len(refNode.ContentBytes()) == 0 {
		return "", fmt.Errorf("%w: missing pairing ref", pairing.ErrMalformed)
	}
	ch.SetRef(string(refNode.ContentBytes()))

	c.pairMu.Lock()
	c.challenge = ch
	c.pairMu.Unlock()

	display := pairing.DisplayCode(ch.Code)
	c.log.WithFields(logrus.Fields{
		"function": "RequestPairingCode",
		"phone":    ch.Phone,
	}).Info("Pairing code issued")
	c.dispatch(&events.PairingCode{Phone: ch.Phone, Code: display})
	return display, nil
}

// handleCodePairNotification completes the companion side once the primary
// accepted the code.
func (c *Client) handleCodePairNotification(conn *connection, node binary.Node) {
	log := c.log.WithField("function", "handleCodePairNotification")
	reg, ok := node.GetChildByTag("link_code_companion_reg")
	if !ok {
		return
	}
	if stage, _ := reg.Attrs.Get("stage"); stage != "primary_hello" {
		log.WithField("stage", stage).Debug("Ignoring pairing stage")
		return
	}

	c.pairMu.Lock()
	ch := c.challenge
	c.pairMu.Unlock()
	if ch == nil {
		log.Warn("primary_hello without an active pairing code")
		return
	}

	refNode, _ := reg.GetChildByTag("link_code_pairing_ref")
	wrappedNode, _ := reg.GetChildByTag("link_code_pairing_wrapped_primary_ephemeral_pub")
	identityNode, _ := reg.GetChildByTag("primary_identity_pub")
	var primaryIdentity [32]byte
	if len(identityNode.ContentBytes()) != 32 {
		log.Warn("primary_hello with malformed identity key")
		return
	}
	copy(primaryIdentity[:], identityNode.ContentBytes())

	device := c.Device()
	finish, err := ch.Complete(string(refNode.ContentBytes()), wrappedNode.ContentBytes(), primaryIdentity, device.IdentityKey)
	if err != nil {
		log.WithError(err).Warn("Rejected primary_hello")
		return
	}
	err = c.updateDevice(conn.ctx, func(d *store.Device) { d.AdvSecretKey = finish.AdvSecret })
	if err != nil {
		log.WithError(err).Error("Failed to store adv secret")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, err := c.query(conn.ctx, binary.Node{
			Tag:   "iq",
			Attrs: attrs("to", types.DefaultUserServer, "type", "set", "xmlns", "md"),
			Content: []binary.Node{{
				Tag: "link_code_companion_reg",
				Attrs: attrs(
					"jid", types.NewJID(ch.Phone, types.DefaultUserServer).String(),
					"stage", "companion_finish",
				),
				Content: []binary.Node{
					{Tag: "link_code_pairing_wrapped_key_bundle", Content: finish.KeyBundle},
					{Tag: "companion_identity_public", Content: device.IdentityKey.Public[:]},
					{Tag: "link_code_pairing_ref", Content: []byte(ch.Ref())},
				},
			}},
		})
		if err != nil {
			log.WithError(err).Warn("companion_finish failed")
			return
		}
		log.WithFields(crypto.SecureFieldHash(finish.KeyBundle, "key_bundle")).Debug("companion_finish accepted")
	}()
}
