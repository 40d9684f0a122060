package wacore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/opd-ai/wacore/binary"
	"github.com/opd-ai/wacore/cache"
	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/events"
	"github.com/opd-ai/wacore/metrics"
	"github.com/opd-ai/wacore/pairing"
	"github.com/opd-ai/wacore/request"
	"github.com/opd-ai/wacore/signal"
	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/types"
)

type handlerEntry struct {
	id uint32
	h  events.Handler
}

// Client is one linked device's connection to the service. It owns the
// connection lifecycle and hands protocol events to registered handlers.
type Client struct {
	cfg     *Config
	log     *logrus.Entry
	store   store.Backend
	metrics *metrics.Metrics
	clock   crypto.TimeProvider

	deviceMu      sync.RWMutex
	deviceWriteMu sync.Mutex
	device        *store.Device
	repo          store.SessionRepository

	stateMu sync.RWMutex
	state   State

	handlersMu    sync.RWMutex
	handlers      []handlerEntry
	nextHandlerID atomic.Uint32

	connMu  sync.Mutex
	conn    *connection
	corr    *request.Correlator
	stopped atomic.Bool

	failures atomic.Int32

	peerLocks *peerLocks
	inbound   *peerQueue

	msgRetry   *cache.TTL[string, int]
	callOffers *cache.TTL[string, *events.CallOffer]
	devices    *cache.TTL[string, []types.JID]
	deviceSF   singleflight.Group

	preKeyMu sync.Mutex

	pairMu    sync.Mutex
	challenge *pairing.Challenge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient loads the device from backend, creating fresh credentials when
// none are stored, and returns an idle client. The client takes ownership
// of backend and closes it in Close.
func NewClient(backend store.Backend, cfg *Config) (*Client, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.WithField("component", "wacore")

	ctx, cancel := context.WithCancel(context.Background())
	device, err := backend.LoadDevice(ctx)
	if errors.Is(err, store.ErrNotFound) {
		log.WithField("function", "NewClient").Info("No stored device, generating credentials")
		device, err = store.NewDevice()
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load device: %w", err)
	}

	c := &Client{
		cfg:       cfg,
		log:       log,
		store:     store.NewCached(backend, cfg.CacheTTLs.SignalStore, cfg.TimeProvider),
		metrics:   cfg.Metrics,
		clock:     cfg.TimeProvider,
		state:     StateIdle,
		peerLocks: newPeerLocks(),
		inbound:   newPeerQueue(),
		corr: request.NewCorrelator(request.Options{
			Timeout:      cfg.QueryTimeout,
			Logger:       log,
			TimeProvider: cfg.TimeProvider,
		}),
		msgRetry: cache.New[string, int](cache.Options{
			TTL: cfg.CacheTTLs.MsgRetry, SweepInterval: cfg.CacheTTLs.MsgRetry,
			TimeProvider: cfg.TimeProvider, Name: "msg-retry",
		}),
		callOffers: cache.New[string, *events.CallOffer](cache.Options{
			TTL: cfg.CacheTTLs.CallOffer, SweepInterval: cfg.CacheTTLs.CallOffer,
			TimeProvider: cfg.TimeProvider, Name: "call-offers",
		}),
		devices: cache.New[string, []types.JID](cache.Options{
			TTL: cfg.CacheTTLs.DeviceList, SweepInterval: cfg.CacheTTLs.DeviceList,
			TimeProvider: cfg.TimeProvider, Name: "device-lists",
		}),
		ctx:    ctx,
		cancel: cancel,
	}
	c.setDevice(device)

	log.WithFields(logrus.Fields{
		"function": "NewClient",
		"paired":   device.IsPaired(),
	}).Debug("Client created")
	return c, nil
}

// setDevice installs device and, unless the config supplied one, a
// session repository over it.
func (c *Client) setDevice(device *store.Device) {
	c.deviceWriteMu.Lock()
	defer c.deviceWriteMu.Unlock()
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()
	c.device = device
	if c.cfg.SessionRepository != nil {
		c.repo = c.cfg.SessionRepository
		return
	}
	c.repo = signal.NewRepository(device, c.store, signal.Options{
		StrictIdentity: c.cfg.StrictIdentity,
		Logger:         c.log,
		Device:         deviceSource{c},
	})
}

// deviceSource lets the session repository read the current device and
// persist prekey counters through updateDevice.
type deviceSource struct {
	c *Client
}

func (s deviceSource) Device() *store.Device {
	return s.c.Device()
}

func (s deviceSource) UpdateDevice(ctx context.Context, fn func(d *store.Device)) error {
	return s.c.updateDevice(ctx, fn)
}

// Device returns the current device record. The record is never modified
// after it is returned; updates install a new one.
func (c *Client) Device() *store.Device {
	c.deviceMu.RLock()
	defer c.deviceMu.RUnlock()
	return c.device
}

func (c *Client) sessions() store.SessionRepository {
	c.deviceMu.RLock()
	defer c.deviceMu.RUnlock()
	return c.repo
}

// updateDevice applies fn to a copy of the device, installs the copy and
// saves it. Writers are serialized so no update is lost.
func (c *Client) updateDevice(ctx context.Context, fn func(d *store.Device)) error {
	c.deviceWriteMu.Lock()
	defer c.deviceWriteMu.Unlock()

	device := c.Device().Clone()
	fn(device)
	c.deviceMu.Lock()
	c.device = device
	c.deviceMu.Unlock()
	if err := c.store.SaveDevice(ctx, device); err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

// resetDevice forgets the stored device and starts over with fresh,
// unsaved credentials. It is saved again by the next pairing.
func (c *Client) resetDevice(ctx context.Context) {
	if err := c.store.DeleteDevice(ctx); err != nil {
		c.log.WithError(err).WithField("function", "resetDevice").Error("Failed to delete device")
	}
	device, err := store.NewDevice()
	if err != nil {
		c.log.WithError(err).WithField("function", "resetDevice").Error("Failed to generate credentials")
		return
	}
	c.setDevice(device)
	c.devices.Purge()
}

// Store returns the backend the client persists to.
func (c *Client) Store() store.Backend {
	return c.store
}

// Metrics returns the configured metrics, which may be nil.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// AddEventHandler registers h and returns an id for RemoveEventHandler.
func (c *Client) AddEventHandler(h events.Handler) uint32 {
	id := c.nextHandlerID.Add(1)
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, handlerEntry{id: id, h: h})
	c.handlersMu.Unlock()
	return id
}

// RemoveEventHandler unregisters a handler and reports whether it existed.
func (c *Client) RemoveEventHandler(id uint32) bool {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	for i, e := range c.handlers {
		if e.id == id {
			c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Client) dispatch(evt events.Event) {
	c.metrics.Event(evt.EventType())
	c.handlersMu.RLock()
	handlers := c.handlers
	c.handlersMu.RUnlock()
	for _, e := range handlers {
		c.callHandler(e.h, evt)
	}
}

func (c *Client) callHandler(h events.Handler, evt events.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"function": "dispatch",
				"event":    evt.EventType(),
				"panic":    r,
			}).Error("Event handler panicked")
		}
	}()
	h.HandleEvent(evt)
}

// GenerateMessageID returns a random message id in the form the server
// expects from web companions.
func (c *Client) GenerateMessageID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "3EB0" + strings.ToUpper(hex.EncodeToString(b[:]))
}

// Close disconnects, waits for background work and closes the store.
func (c *Client) Close() error {
	c.Disconnect()
	c.cancel()
	c.wg.Wait()
	c.inbound.Wait()
	c.msgRetry.Close()
	c.callOffers.Close()
	c.devices.Close()
	return c.store.Close()
}

// attrs builds an attribute list from key, value pairs.
func attrs(kv ...string) binary.Attrs {
	out := make(binary.Attrs, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, binary.Attr{Key: kv[i], Value: kv[i+1]})
	}
	return out
}
