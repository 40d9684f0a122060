package wacore

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/events"
	"github.com/opd-ai/wacore/types"
)

// keepAlive pings the server every KeepAliveInterval until conn closes.
// KeepAliveMaxFailures missed pings in a row drop the connection.
func (c *Client) keepAlive(conn *connection) {
	defer c.wg.Done()
	log := c.log.WithField("function", "keepAlive")
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	lastSuccess := c.clock.Now()
	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-ticker.C:
		}

		err := c.ping(conn.ctx)
		if conn.ctx.Err() != nil {
			return
		}
		if err == nil {
			if failures > 0 {
				log.WithField("missed", failures).Info("Keep-alive restored")
				c.dispatch(&events.KeepAliveRestored{})
			}
			failures = 0
			lastSuccess = c.clock.Now()
			continue
		}

		failures++
		log.WithFields(logrus.Fields{
			"missed": failures,
			"error":  err.Error(),
		}).Warn("Keep-alive ping failed")
		c.dispatch(&events.KeepAliveTimeout{ErrorCount: failures, LastSuccess: lastSuccess})
		if failures >= c.cfg.KeepAliveMaxFailures {
			conn.close(&DisconnectError{
				Code:   CodeConnectionLost,
				Reason: "keep-alive timed out",
				Err:    fmt.Errorf("%w: %d missed pings", ErrTransport, failures),
			})
			return
		}
	}
}

func (c *Client) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.KeepAliveInterval)
	defer cancel()
	_, err := c.query(ctx, binary.Node{
		Tag:     "iq",
		Attrs:   attrs("to", types.DefaultUserServer, "type", "get", "xmlns", "w:p"),
		Content: []binary.Node{{Tag: "ping"}},
	})
	return err
}
