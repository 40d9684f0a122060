package wacore

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/events"
	"github.com/opd-ai/wacore/noise"
	"github.com/opd-ai/wacore/types"
)

// serverPreKeyCount asks how many of our one-time prekeys the server still
// holds.
func (c *Client) serverPreKeyCount(ctx context.Context) (int, error) {
	resp, err := c.retryQuery(ctx, "prekey count", binary.Node{
		Tag:     "iq",
		Attrs:   attrs("to", types.DefaultUserServer, "type", "get", "xmlns", "encrypt"),
		Content: []binary.Node{{Tag: "count"}},
	})
	if err != nil {
		return 0, err
	}
	count, ok := resp.GetChildByTag("count")
	if !ok {
		return 0, fmt.Errorf("prekey count response without count")
	}
	ag := count.AttrGetter()
	n := ag.Int("value")
	return n, ag.Error()
}

// ensurePreKeys tops up the server's prekeys when it runs low.
func (c *Client) ensurePreKeys(ctx context.Context) error {
	n, err := c.serverPreKeyCount(ctx)
	if err != nil {
		return fmt.Errorf("prekey count: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"function": "ensurePreKeys",
		"count":    n,
	}).Debug("Server prekey count")
	if n >= c.cfg.MinPreKeyCount {
		return nil
	}
	return c.uploadPreKeys(ctx, c.cfg.InitialPreKeyCount)
}

// uploadPreKeys uploads count prekeys, reusing generated keys that never
// made it to the server before generating new ones.
func (c *Client) uploadPreKeys(ctx context.Context, count int) error {
	c.preKeyMu.Lock()
	defer c.preKeyMu.Unlock()

	keys, err := c.store.UnuploadedPreKeys(ctx)
	if err != nil {
		return fmt.Errorf("load prekeys: %w", err)
	}
	if len(keys) > count {
		keys = keys[:count]
	}
	if missing := count - len(keys); missing > 0 {
		fresh, err := c.sessions().GeneratePreKeys(ctx, missing)
		if err != nil {
			return fmt.Errorf("generate prekeys: %w", err)
		}
		keys = append(keys, fresh...)
	}
	if len(keys) == 0 {
		return nil
	}

	device := c.Device()
	if _, err := c.retryQuery(ctx, "prekey upload", preKeyUploadNode(device.RegistrationID, device.IdentityKey.Public, device.SignedPreKey, keys)); err != nil {
		return fmt.Errorf("upload prekeys: %w", err)
	}
	var upTo uint32
	for _, k := range keys {
		upTo = max(upTo, k.KeyID)
	}
	if err := c.store.MarkPreKeysUploaded(ctx, upTo); err != nil {
		return fmt.Errorf("mark prekeys uploaded: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"function": "uploadPreKeys",
		"count":    len(keys),
	}).Info("Uploaded prekeys")
	c.dispatch(&events.PreKeysUploaded{Count: len(keys)})
	return nil
}

func preKeyUploadNode(regID uint32, identity [32]byte, spk *crypto.PreKey, keys []*crypto.PreKey) binary.Node {
	list := make([]binary.Node, len(keys))
	for i, k := range keys {
		list[i] = preKeyNode(k)
	}
	return binary.Node{
		Tag:   "iq",
		Attrs: attrs("to", types.DefaultUserServer, "type", "set", "xmlns", "encrypt"),
		Content: []binary.Node{
			{Tag: "registration", Content: noise.EncodeUint32(regID)},
			{Tag: "type", Content: []byte{crypto.KeyBundleType}},
			{Tag: "identity", Content: identity[:]},
			{Tag: "list", Content: list},
			preKeyNode(spk),
		},
	}
}

// preKeyNode renders a one-time prekey as key and a signed prekey as skey.
func preKeyNode(k *crypto.PreKey) binary.Node {
	n := binary.Node{
		Tag: "key",
		Content: []binary.Node{
			{Tag: "id", Content: noise.EncodeUint24(k.KeyID)},
			{Tag: "value", Content: k.Public[:]},
		},
	}
	if k.Signature != nil {
		n.Tag = "skey"
		n.Content = append(n.GetChildren(), binary.Node{Tag: "signature", Content: k.Signature[:]})
	}
	return n
}
