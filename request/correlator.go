package request

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	wabinary "github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/crypto"
)

// DefaultTimeout applies when Options.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// SendFunc writes one stanza to the connection.
type SendFunc func(ctx context.Context, node wabinary.Node) error

// Options configures a Correlator.
type Options struct {
	Timeout      time.Duration
	Logger       *logrus.Entry
	TimeProvider crypto.TimeProvider
}

type result struct {
	node wabinary.Node
	err  error
}

type waiter struct {
	id     string
	sentAt time.Time
	ch     chan result
}

// Correlator matches responses to pending requests by id.
type Correlator struct {
	prefix  string
	counter atomic.Uint64
	timeout time.Duration
	clock   crypto.TimeProvider
	log     *logrus.Entry

	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewCorrelator creates a Correlator with a fresh random id prefix.
func NewCorrelator(opts Options) *Correlator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	clock := opts.TimeProvider
	if clock == nil {
		clock = crypto.GetDefaultTimeProvider()
	}
	return &Correlator{
		prefix:  newPrefix(),
		timeout: timeout,
		clock:   clock,
		log:     log.WithField("component", "correlator"),
		waiters: make(map[string]*waiter),
	}
}

func newPrefix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return strconv.Itoa(int(binary.BigEndian.Uint16(b[:2]))) + "." +
		strconv.Itoa(int(binary.BigEndian.Uint16(b[2:]))) + "-"
}

// NextID returns the next process-unique request id.
func (c *Correlator) NextID() string {
	return c.prefix + strconv.FormatUint(c.counter.Add(1), 10)
}

// Query assigns an id to node unless it has one, registers a waiter, sends
// node and waits for the response. An iq response of type "error" is
// returned as *IQError.
func (c *Correlator) Query(ctx context.Context, node wabinary.Node, send SendFunc) (wabinary.Node, error) {
	id, _ := node.Attrs.Get("id")
	if id == "" {
		id = c.NextID()
		node.Attrs = append(wabinary.Attrs{{Key: "id", Value: id}}, node.Attrs...)
	}

	w := c.register(id)
	if err := send(ctx, node); err != nil {
		c.remove(id)
		return wabinary.Node{}, fmt.Errorf("send %s %s: %w", node.Tag, id, err)
	}
	return c.wait(ctx, w)
}

// Expect registers a waiter for a response with the given id without
// sending anything. Call the returned function to wait; it must be called
// exactly once.
func (c *Correlator) Expect(id string) func(ctx context.Context) (wabinary.Node, error) {
	w := c.register(id)
	return func(ctx context.Context) (wabinary.Node, error) {
		return c.wait(ctx, w)
	}
}

func (c *Correlator) register(id string) *waiter {
	w := &waiter{id: id, sentAt: c.clock.Now(), ch: make(chan result, 1)}
	c.mu.Lock()
	c.waiters[id] = w
	c.mu.Unlock()
	return w
}

func (c *Correlator) remove(id string) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waiters[id]
	if !ok {
		return nil
	}
	delete(c.waiters, id)
	return w
}

func (c *Correlator) wait(ctx context.Context, w *waiter) (wabinary.Node, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.node, res.err
	case <-timer.C:
		c.remove(w.id)
		c.log.WithFields(logrus.Fields{
			"function": "wait",
			"id":       w.id,
			"elapsed":  c.clock.Since(w.sentAt),
		}).Warn("Request timed out")
		return wabinary.Node{}, fmt.Errorf("%w: %s", ErrTimeout, w.id)
	case <-ctx.Done():
		c.remove(w.id)
		return wabinary.Node{}, ctx.Err()
	}
}

// Resolve hands node to the waiter registered under its id attribute and
// reports whether one was found. It never blocks.
func (c *Correlator) Resolve(node wabinary.Node) bool {
	id, _ := node.Attrs.Get("id")
	if id == "" {
		return false
	}
	w := c.remove(id)
	if w == nil {
		return false
	}

	res := result{node: node}
	if typ, _ := node.Attrs.Get("type"); node.Tag == "iq" && typ == "error" {
		res.err = parseIQError(node)
	}
	w.ch <- res
	return true
}

func parseIQError(node wabinary.Node) error {
	child, ok := node.GetChildByTag("error")
	if !ok {
		return &IQError{Code: 0, Text: "missing error child"}
	}
	ag := child.AttrGetter()
	code := ag.OptionalInt("code")
	return &IQError{Code: code, Text: ag.OptionalString("text")}
}

// CancelAll rejects every pending request with ErrConnectionClosed wrapping
// cause.
func (c *Correlator) CancelAll(cause error) {
	c.mu.Lock()
	pending := c.waiters
	c.waiters = make(map[string]*waiter)
	c.mu.Unlock()

	err := ErrConnectionClosed
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
	}
	for _, w := range pending {
		w.ch <- result{err: err}
	}
	if len(pending) > 0 {
		c.log.WithFields(logrus.Fields{
			"function": "CancelAll",
			"pending":  len(pending),
		}).Debug("Cancelled pending requests")
	}
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
