package wacore

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/events"
)

// State is the connection lifecycle state.
type State = events.State

// Lifecycle states; see events.State.
const (
	StateIdle           = events.StateIdle
	StateConnecting     = events.StateConnecting
	StateHandshaking    = events.StateHandshaking
	StateRegistering    = events.StateRegistering
	StateAuthenticating = events.StateAuthenticating
	StateSyncing        = events.StateSyncing
	StateOpen           = events.StateOpen
	StateClosing        = events.StateClosing
	StateClosed         = events.StateClosed
	StateReconnecting   = events.StateReconnecting
)

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// IsConnected reports whether the connection is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateOpen
}

func (c *Client) setState(to State, reason string, code int) {
	c.changeState(nil, false, to, reason, code)
}

// transition moves from one of the allowed states to to. It reports false,
// leaving the state alone, when the current state is not allowed.
func (c *Client) transition(allowed []State, to State) bool {
	return c.changeState(allowed, false, to, "", 0)
}

// advance is used by the connect path. It does nothing once Disconnect has
// been called, so a late connect step cannot move a closed client.
func (c *Client) advance(to State) bool {
	return c.changeState(nil, true, to, "", 0)
}

// changeState applies a transition under stateMu. A nil allowed list
// accepts any current state. With unlessStopped set the stop flag is read
// under stateMu; Disconnect raises it before its own state change.
func (c *Client) changeState(allowed []State, unlessStopped bool, to State, reason string, code int) bool {
	c.stateMu.Lock()
	from := c.state
	ok := allowed == nil
	for _, s := range allowed {
		if s == from {
			ok = true
			break
		}
	}
	if unlessStopped && c.stopped.Load() {
		ok = false
	}
	if ok {
		c.state = to
	}
	c.stateMu.Unlock()
	if !ok || from == to {
		return ok
	}

	c.log.WithFields(logrus.Fields{
		"function": "changeState",
		"from":     from.String(),
		"to":       to.String(),
		"reason":   reason,
		"code":     code,
	}).Debug("Connection state changed")
	c.metrics.StateChanged(int(to), to.String())
	c.dispatch(&events.StateChange{From: from, To: to, Reason: reason, Code: code})
	return true
}
