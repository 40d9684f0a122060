package request

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wabinary "github.com/opd-ai/wacore/binary"
)

func iqResult(id string) wabinary.Node {
	return wabinary.Node{Tag: "iq", Attrs: wabinary.Attrs{{Key: "id", Value: id}, {Key: "type", Value: "result"}}}
}

// echoSender resolves every sent stanza asynchronously through c.
func echoSender(c *Correlator, reply func(sent wabinary.Node) wabinary.Node) SendFunc {
	return func(_ context.Context, node wabinary.Node) error {
		go c.Resolve(reply(node))
		return nil
	}
}

func idOf(n wabinary.Node) string {
	id, _ := n.Attrs.Get("id")
	return id
}

func TestCorrelatorIDs(t *testing.T) {
	c := NewCorrelator(Options{})
	assert.Contains(t, c.prefix, ".")
	assert.True(t, strings.HasSuffix(c.prefix, "-"))

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := c.NextID()
		assert.False(t, seen[id], "duplicate id %s", id)
		assert.True(t, strings.HasPrefix(id, c.prefix))
		seen[id] = true
	}
}

func TestCorrelatorQueryResolves(t *testing.T) {
	c := NewCorrelator(Options{Timeout: time.Second})
	var sentID string
	send := echoSender(c, func(sent wabinary.Node) wabinary.Node {
		sentID = idOf(sent)
		return iqResult(sentID)
	})

	resp, err := c.Query(context.Background(), wabinary.Node{Tag: "iq", Attrs: wabinary.Attrs{{Key: "type", Value: "get"}}}, send)
	require.NoError(t, err)
	assert.Equal(t, sentID, idOf(resp))
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelatorIQError(t *testing.T) {
	c := NewCorrelator(Options{Timeout: time.Second})
	send := echoSender(c, func(sent wabinary.Node) wabinary.Node {
		return wabinary.Node{
			Tag:   "iq",
			Attrs: wabinary.Attrs{{Key: "id", Value: idOf(sent)}, {Key: "type", Value: "error"}},
			Content: wabinary.Node{Tag: "error", Attrs: wabinary.Attrs{
				{Key: "code", Value: "503"}, {Key: "text", Value: "service-unavailable"},
			}},
		}
	})

	_, err := c.Query(context.Background(), wabinary.Node{Tag: "iq"}, send)
	var iqErr *IQError
	require.True(t, errors.As(err, &iqErr))
	assert.Equal(t, 503, iqErr.Code)
	assert.Equal(t, "service-unavailable", iqErr.Text)
	assert.True(t, Retryable(err))
}

func TestCorrelatorTimeoutRemovesWaiter(t *testing.T) {
	c := NewCorrelator(Options{Timeout: 20 * time.Millisecond})
	var id string
	send := func(_ context.Context, node wabinary.Node) error {
		id = idOf(node)
		return nil
	}

	_, err := c.Query(context.Background(), wabinary.Node{Tag: "iq"}, send)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, c.Pending())
	assert.False(t, c.Resolve(iqResult(id)), "late response finds no waiter")
}

func TestCorrelatorSendFailure(t *testing.T) {
	c := NewCorrelator(Options{})
	boom := errors.New("boom")
	_, err := c.Query(context.Background(), wabinary.Node{Tag: "iq"}, func(context.Context, wabinary.Node) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelatorContextCancel(t *testing.T) {
	c := NewCorrelator(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for c.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	_, err := c.Query(ctx, wabinary.Node{Tag: "iq"}, func(context.Context, wabinary.Node) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelatorCancelAll(t *testing.T) {
	c := NewCorrelator(Options{})
	send := func(context.Context, wabinary.Node) error { return nil }

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Query(context.Background(), wabinary.Node{Tag: "iq"}, send)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return c.Pending() == 5 }, time.Second, time.Millisecond)

	c.CancelAll(errors.New("socket gone"))
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrConnectionClosed)
	}
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelatorExpect(t *testing.T) {
	c := NewCorrelator(Options{Timeout: time.Second})
	wait := c.Expect("msg-1")
	go c.Resolve(wabinary.Node{Tag: "ack", Attrs: wabinary.Attrs{{Key: "id", Value: "msg-1"}}})

	node, err := wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ack", node.Tag)
	assert.False(t, c.Resolve(wabinary.Node{Tag: "ack"}), "node without id")
}
