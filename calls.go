package wacore

import (
	"github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/events"
)

// handleCall turns call signalling into events. Offers are cached so the
// matching terminate can carry them.
func (c *Client) handleCall(node binary.Node) {
	ag := node.AttrGetter()
	from := ag.JID("from")
	ts := ag.UnixTime("t")
	if !ag.OK() {
		c.log.WithError(ag.Error()).WithField("function", "handleCall").Warn("Malformed call stanza")
		return
	}
	for _, child := range node.GetChildren() {
		callID, _ := child.Attrs.Get("call-id")
		switch child.Tag {
		case "offer":
			_, video := child.GetChildByTag("video")
			offer := &events.CallOffer{CallID: callID, From: from, Timestamp: ts, IsVideo: video}
			c.callOffers.Set(callID, offer)
			c.dispatch(offer)
		case "terminate":
			reason, _ := child.Attrs.Get("reason")
			evt := &events.CallTerminate{CallID: callID, From: from, Reason: reason, Timestamp: ts}
			if offer, ok := c.callOffers.Get(callID); ok {
				evt.Offer = offer
				c.callOffers.Delete(callID)
			}
			c.dispatch(evt)
		}
	}
}
