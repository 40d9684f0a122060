package wacore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/events"
	"github.com/opd-ai/wacore/pairing"
	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/types"
)

// handlePairDevice answers the pair-device iq and starts rotating QR codes
// over the refs it carries.
func (c *Client) handlePairDevice(conn *connection, node binary.Node) {
	c.sendIQResult(node)
	pd, _ := node.GetChildByTag("pair-device")
	var refs []string
	for _, ref := range pd.GetChildrenByTag("ref") {
		if b := ref.ContentBytes(); len(b) > 0 {
			refs = append(refs, string(b))
		}
	}
	if len(refs) == 0 {
		c.log.WithField("function", "handlePairDevice").Warn("pair-device without refs")
		return
	}

	device := c.Device()
	codes := pairing.QRCodes(refs, device.NoiseKey.Public, device.IdentityKey.Public, device.AdvSecretKey)
	c.wg.Add(1)
	go c.rotateQR(conn, codes)
}

// rotateQR emits the remaining codes each time the current one expires. The
// first code lives longer than the rest.
func (c *Client) rotateQR(conn *connection, codes []string) {
	defer c.wg.Done()
	log := c.log.WithField("function", "rotateQR")
	timeout := c.cfg.QRFirstTimeout
	for i := range codes {
		c.dispatch(&events.QR{Codes: codes[i:]})
		timer := time.NewTimer(timeout)
		select {
		case <-conn.paired:
			timer.Stop()
			return
		case <-conn.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		timeout = c.cfg.QRRefTimeout
		log.WithField("remaining", len(codes)-i-1).Debug("QR code expired")
	}

	log.Info("All pairing refs expired")
	c.dispatch(&events.QRExhausted{})
	conn.close(&DisconnectError{
		Code:     CodeConnectionLost,
		Reason:   "pairing refs exhausted",
		Terminal: true,
		Err:      ErrQRExhausted,
	})
}

// handlePairSuccess verifies the primary's signed device identity, stores
// the new credentials and countersigns the identity back to the server.
func (c *Client) handlePairSuccess(conn *connection, node binary.Node) {
	id, _ := node.Attrs.Get("id")
	ps, _ := node.GetChildByTag("pair-success")
	log := c.log.WithField("function", "handlePairSuccess")

	deviceNode, _ := ps.GetChildByTag("device")
	dag := deviceNode.AttrGetter()
	jid := dag.JID("jid")
	lid := dag.OptionalJID("lid")
	bizNode, _ := ps.GetChildByTag("biz")
	businessName, _ := bizNode.Attrs.Get("name")
	platformNode, _ := ps.GetChildByTag("platform")
	platform, _ := platformNode.Attrs.Get("name")
	identityNode, _ := ps.GetChildByTag("device-identity")

	fail := func(err error) {
		log.WithError(err).Error("Pairing failed")
		c.dispatch(&events.PairError{ID: jid, Error: err})
		reply := binary.Node{
			Tag:   "iq",
			Attrs: attrs("id", id, "to", types.DefaultUserServer, "type", "error"),
			Content: []binary.Node{{
				Tag:   "error",
				Attrs: attrs("code", "401", "text", "not-authorized"),
			}},
		}
		if err := c.sendNode(conn.ctx, reply); err != nil {
			log.WithError(err).Warn("Failed to send pairing error")
		}
	}
	if !dag.OK() {
		fail(fmt.Errorf("%w: %w", pairing.ErrMalformed, dag.Error()))
		return
	}

	device := c.Device()
	v, err := pairing.VerifyDeviceIdentity(identityNode.ContentBytes(), device.AdvSecretKey, device.IdentityKey)
	if err != nil {
		fail(err)
		return
	}

	err = c.updateDevice(conn.ctx, func(d *store.Device) {
		d.ID = &jid
		if !lid.IsEmpty() {
			d.LID = &lid
		}
		d.Platform = platform
		d.Account = v.Account
	})
	if err != nil {
		fail(err)
		return
	}
	c.dispatch(&events.CredentialsUpdated{})

	reply := binary.Node{
		Tag:   "iq",
		Attrs: attrs("id", id, "to", types.DefaultUserServer, "type", "result"),
		Content: []binary.Node{{
			Tag: "pair-device-sign",
			Content: []binary.Node{{
				Tag:     "device-identity",
				Attrs:   attrs("key-index", strconv.FormatUint(uint64(v.Identity.KeyIndex), 10)),
				Content: v.Reply,
			}},
		}},
	}
	if err := c.sendNode(conn.ctx, reply); err != nil {
		log.WithError(err).Warn("Failed to send pair-device-sign")
	}

	conn.markPaired()
	log.WithFields(logrus.Fields{
		"jid":      jid.String(),
		"platform": platform,
	}).Info("Paired")
	c.dispatch(&events.PairSuccess{ID: jid, LID: lid, BusinessName: businessName, Platform: platform})
}

// Logout unlinks this device from the account, deletes local credentials
// and disconnects.
func (c *Client) Logout(ctx context.Context) error {
	device := c.Device()
	if !device.IsPaired() {
		return ErrNotPaired
	}
	_, err := c.query(ctx, binary.Node{
		Tag:   "iq",
		Attrs: attrs("to", types.DefaultUserServer, "type", "set", "xmlns", "md"),
		Content: []binary.Node{{
			Tag:   "remove-companion-device",
			Attrs: attrs("jid", device.ID.String(), "reason", "user_initiated"),
		}},
	})
	if err != nil {
		return fmt.Errorf("remove companion device: %w", err)
	}
	c.resetDevice(ctx)
	c.dispatch(&events.LoggedOut{Reason: "user initiated", Code: CodeLoggedOut})
	c.Disconnect()
	return nil
}
