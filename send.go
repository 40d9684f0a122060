package wacore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	wabinary "github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/types"
)

// SendMessage encrypts plaintext for every device of to, and for our own
// other devices, and sends it as one message stanza. It returns the message
// id once the server acknowledged it.
func (c *Client) SendMessage(ctx context.Context, to types.JID, plaintext []byte) (string, error) {
	if !c.IsConnected() {
		return "", ErrNotConnected
	}
	if to.IsGroup() {
		return "", fmt.Errorf("%s is a group, use SendGroupMessage", to)
	}
	own := c.Device().ID
	if own == nil {
		return "", ErrNotPaired
	}
	devices, err := c.GetUserDevices(ctx, []types.JID{to.ToNonAD(), own.ToNonAD()})
	if err != nil {
		return "", err
	}
	devices = slices.DeleteFunc(devices, func(d types.JID) bool { return d == *own })
	if len(devices) == 0 {
		return "", ErrNoDevices
	}

	id := c.GenerateMessageID()
	participants, includeIdentity, err := c.encryptForDevices(ctx, devices, func(types.JID) []byte { return plaintext })
	if err != nil {
		return "", err
	}
	node := c.messageNode(id, to, participants, includeIdentity)
	return id, c.sendMessageNode(ctx, node)
}

// SendGroupMessage encrypts plaintext once with our sender key for group
// and distributes the sender key pairwise to every participant device.
func (c *Client) SendGroupMessage(ctx context.Context, group types.JID, participants []types.JID, plaintext []byte) (string, error) {
	if !c.IsConnected() {
		return "", ErrNotConnected
	}
	if !group.IsGroup() {
		return "", fmt.Errorf("%s is not a group", group)
	}
	own := *c.Device().ID
	users := make([]types.JID, 0, len(participants)+1)
	for _, p := range participants {
		users = append(users, p.ToNonAD())
	}
	users = append(users, own.ToNonAD())
	devices, err := c.GetUserDevices(ctx, users)
	if err != nil {
		return "", err
	}
	devices = slices.DeleteFunc(devices, func(d types.JID) bool { return d == own })

	id := c.GenerateMessageID()
	node, err := c.groupMessageNode(ctx, id, group, devices, plaintext)
	if err != nil {
		return "", err
	}
	return id, c.sendMessageNode(ctx, node)
}

func (c *Client) groupMessageNode(ctx context.Context, id string, group types.JID, devices []types.JID, plaintext []byte) (wabinary.Node, error) {
	unlock := c.peerLocks.Lock(senderKeyLockKey(group, *c.Device().ID))
	ciphertext, distribution, err := c.sessions().EncryptGroupMessage(ctx, group, plaintext)
	unlock()
	if err != nil {
		return wabinary.Node{}, fmt.Errorf("%w: group encrypt: %w", ErrSession, err)
	}

	var participants []wabinary.Node
	includeIdentity := false
	if len(devices) > 0 {
		participants, includeIdentity, err = c.encryptForDevices(ctx, devices, func(types.JID) []byte { return distribution })
		if err != nil {
			return wabinary.Node{}, err
		}
	}
	node := c.messageNode(id, group, participants, includeIdentity)
	content := node.GetChildren()
	content = append(content, wabinary.Node{
		Tag:     "enc",
		Attrs:   attrs("v", "2", "type", "skmsg"),
		Content: ciphertext,
	})
	node.Content = content
	return node, nil
}

func senderKeyLockKey(group, sender types.JID) string {
	return group.String() + "/" + sender.SignalAddress()
}

func (c *Client) messageNode(id string, to types.JID, participants []wabinary.Node, includeIdentity bool) wabinary.Node {
	node := wabinary.Node{
		Tag:   "message",
		Attrs: attrs("id", id, "to", to.String(), "type", "text"),
	}
	var content []wabinary.Node
	if len(participants) > 0 {
		content = append(content, wabinary.Node{Tag: "participants", Content: participants})
	}
	if includeIdentity {
		content = append(content, wabinary.Node{Tag: "device-identity", Content: c.Device().Account})
	}
	if content != nil {
		node.Content = content
	}
	return node
}

// sendMessageNode sends a message stanza and waits for the server ack.
func (c *Client) sendMessageNode(ctx context.Context, node wabinary.Node) error {
	ack, err := c.query(ctx, node)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if code, ok := ack.Attrs.Get("error"); ok {
		return fmt.Errorf("server rejected message: error %s", code)
	}
	return nil
}

// encryptForDevices makes sure a session exists with every device and
// encrypts payload(device) for each, holding the device's lock around the
// session access. It reports whether any ciphertext is a pkmsg.
func (c *Client) encryptForDevices(ctx context.Context, devices []types.JID, payload func(types.JID) []byte) ([]wabinary.Node, bool, error) {
	if err := c.ensureSessions(ctx, devices); err != nil {
		return nil, false, err
	}
	nodes := make([]wabinary.Node, 0, len(devices))
	includeIdentity := false
	for _, device := range devices {
		unlock := c.peerLocks.Lock(device.SignalAddress())
		encType, ciphertext, err := c.sessions().EncryptMessage(ctx, device, payload(device))
		unlock()
		if err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"function": "encryptForDevices",
				"device":   device.String(),
			}).Warn("Skipping device")
			continue
		}
		if encType == "pkmsg" {
			includeIdentity = true
		}
		nodes = append(nodes, wabinary.Node{
			Tag:   "to",
			Attrs: attrs("jid", device.String()),
			Content: []wabinary.Node{{
				Tag:     "enc",
				Attrs:   attrs("v", "2", "type", encType),
				Content: ciphertext,
			}},
		})
	}
	if len(nodes) == 0 {
		return nil, false, fmt.Errorf("%w: no device could be encrypted for", ErrSession)
	}
	return nodes, includeIdentity, nil
}

// GetUserDevices returns every device of users. Lists are cached per user
// and concurrent lookups for the same users share one query.
func (c *Client) GetUserDevices(ctx context.Context, users []types.JID) ([]types.JID, error) {
	var devices []types.JID
	var missing []types.JID
	for _, user := range users {
		if cached, ok := c.devices.Get(user.User); ok {
			devices = append(devices, cached...)
		} else if !slices.Contains(missing, user) {
			missing = append(missing, user)
		}
	}
	if len(missing) == 0 {
		return devices, nil
	}

	keys := make([]string, len(missing))
	for i, u := range missing {
		keys[i] = u.String()
	}
	slices.Sort(keys)
	res, err, _ := c.deviceSF.Do(strings.Join(keys, ","), func() (any, error) {
		return c.fetchDevices(ctx, missing)
	})
	if err != nil {
		return nil, fmt.Errorf("device list: %w", err)
	}
	return append(devices, res.([]types.JID)...), nil
}

func (c *Client) fetchDevices(ctx context.Context, users []types.JID) ([]types.JID, error) {
	list := make([]wabinary.Node, len(users))
	for i, u := range users {
		list[i] = wabinary.Node{Tag: "user", Attrs: attrs("jid", u.String())}
	}
	resp, err := c.retryQuery(ctx, "usync devices", wabinary.Node{
		Tag:   "iq",
		Attrs: attrs("to", types.DefaultUserServer, "type", "get", "xmlns", "usync"),
		Content: []wabinary.Node{{
			Tag: "usync",
			Attrs: attrs(
				"sid", c.corr.NextID(),
				"mode", "query",
				"last", "true",
				"index", "0",
				"context", "message",
			),
			Content: []wabinary.Node{
				{Tag: "query", Content: []wabinary.Node{{Tag: "devices", Attrs: attrs("version", "2")}}},
				{Tag: "list", Content: list},
			},
		}},
	})
	if err != nil {
		return nil, err
	}
	return c.parseDeviceLists(resp)
}

func (c *Client) parseDeviceLists(resp wabinary.Node) ([]types.JID, error) {
	usync, ok := resp.GetChildByTag("usync")
	if !ok {
		return nil, fmt.Errorf("%w: usync response", wabinary.ErrMalformedNode)
	}
	list, _ := usync.GetChildByTag("list")
	var all []types.JID
	for _, user := range list.GetChildrenByTag("user") {
		ag := user.AttrGetter()
		jid := ag.JID("jid")
		if !ag.OK() {
			return nil, ag.Error()
		}
		deviceList, _ := user.GetChildByTag("devices", "device-list")
		var devices []types.JID
		for _, d := range deviceList.GetChildrenByTag("device") {
			dag := d.AttrGetter()
			id := dag.Int("id")
			if !dag.OK() {
				continue
			}
			devices = append(devices, types.NewADJID(jid.User, uint16(id), jid.Server))
		}
		c.devices.Set(jid.User, devices)
		all = append(all, devices...)
	}
	return all, nil
}

// ensureSessions fetches prekey bundles for devices without a session and
// starts sessions from them.
func (c *Client) ensureSessions(ctx context.Context, devices []types.JID) error {
	var missing []types.JID
	for _, d := range devices {
		has, err := c.sessions().HasSession(ctx, d)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSession, err)
		}
		if !has {
			missing = append(missing, d)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	bundles, err := c.fetchPreKeys(ctx, missing)
	if err != nil {
		return err
	}
	for jid, bundle := range bundles {
		if err := c.injectSession(ctx, jid, bundle); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"function": "ensureSessions",
				"device":   jid.String(),
			}).Warn("Failed to start session")
		}
	}
	return nil
}

func (c *Client) injectSession(ctx context.Context, jid types.JID, bundle *store.PreKeyBundle) error {
	unlock := c.peerLocks.Lock(jid.SignalAddress())
	defer unlock()
	return c.sessions().InjectSession(ctx, jid, bundle)
}

func (c *Client) fetchPreKeys(ctx context.Context, devices []types.JID) (map[types.JID]*store.PreKeyBundle, error) {
	users := make([]wabinary.Node, len(devices))
	for i, d := range devices {
		users[i] = wabinary.Node{Tag: "user", Attrs: attrs("jid", d.String(), "reason", "identity")}
	}
	resp, err := c.retryQuery(ctx, "prekey fetch", wabinary.Node{
		Tag:     "iq",
		Attrs:   attrs("to", types.DefaultUserServer, "type", "get", "xmlns", "encrypt"),
		Content: []wabinary.Node{{Tag: "key", Content: users}},
	})
	if err != nil {
		return nil, fmt.Errorf("prekey fetch: %w", err)
	}
	list, ok := resp.GetChildByTag("list")
	if !ok {
		return nil, fmt.Errorf("%w: prekey response", wabinary.ErrMalformedNode)
	}

	bundles := make(map[types.JID]*store.PreKeyBundle)
	for _, user := range list.GetChildrenByTag("user") {
		ag := user.AttrGetter()
		jid := ag.JID("jid")
		if !ag.OK() {
			continue
		}
		bundle, err := parsePreKeyBundle(user)
		if err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"function": "fetchPreKeys",
				"device":   jid.String(),
			}).Warn("Unusable prekey bundle")
			continue
		}
		bundles[jid] = bundle
	}
	return bundles, nil
}

var errBundle = errors.New("invalid prekey bundle")

// parsePreKeyBundle reads a bundle from a node holding registration,
// identity, skey and optionally key children, as sent in prekey fetch
// responses and retry receipts.
func parsePreKeyBundle(node wabinary.Node) (*store.PreKeyBundle, error) {
	if errNode, ok := node.GetChildByTag("error"); ok {
		code, _ := errNode.Attrs.Get("code")
		return nil, fmt.Errorf("%w: server error %s", errBundle, code)
	}
	reg, _ := node.GetChildByTag("registration")
	identity, _ := node.GetChildByTag("identity")
	skey, ok := node.GetChildByTag("skey")
	if !ok || len(reg.ContentBytes()) != 4 || len(identity.ContentBytes()) != 32 {
		return nil, errBundle
	}
	b := &store.PreKeyBundle{RegistrationID: binary.BigEndian.Uint32(reg.ContentBytes())}
	copy(b.IdentityKey[:], identity.ContentBytes())

	id, pub, err := parseKeyNode(skey)
	if err != nil {
		return nil, err
	}
	sig, _ := skey.GetChildByTag("signature")
	if len(sig.ContentBytes()) != 64 {
		return nil, fmt.Errorf("%w: signed prekey signature", errBundle)
	}
	b.SignedPreKeyID, b.SignedPreKey = id, pub
	copy(b.SignedPreKeySignature[:], sig.ContentBytes())

	if key, ok := node.GetChildByTag("key"); ok {
		if b.PreKeyID, b.PreKey, err = parseKeyNode(key); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func parseKeyNode(node wabinary.Node) (uint32, [32]byte, error) {
	var pub [32]byte
	id, _ := node.GetChildByTag("id")
	value, _ := node.GetChildByTag("value")
	idBytes := id.ContentBytes()
	if len(idBytes) == 0 || len(idBytes) > 4 || len(value.ContentBytes()) != 32 {
		return 0, pub, fmt.Errorf("%w: %s", errBundle, node.Tag)
	}
	var n uint32
	for _, b := range idBytes {
		n = n<<8 | uint32(b)
	}
	copy(pub[:], value.ContentBytes())
	return n, pub, nil
}
