package wacore

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wacore/crypto"
	"github.com/opd-ai/wacore/metrics"
	"github.com/opd-ai/wacore/noise"
	"github.com/opd-ai/wacore/store"
	"github.com/opd-ai/wacore/transport"
	"github.com/opd-ai/wacore/types"
)

// Defaults applied by NewConfig.
const (
	DefaultWebSocketURL           = "wss://web.whatsapp.com/ws/chat"
	DefaultOrigin                 = "https://web.whatsapp.com"
	DefaultConnectTimeout         = 20 * time.Second
	DefaultKeepAliveInterval      = 15 * time.Second
	DefaultKeepAliveMaxFailures   = 3
	DefaultQueryTimeout           = 60 * time.Second
	DefaultRetryRequestDelay      = 250 * time.Millisecond
	DefaultMaxRetryAttempts       = 3
	DefaultMaxCommitRetries       = 10
	DefaultTransactionRetryDelay  = 3 * time.Second
	DefaultMaxMsgRetryCount       = 5
	DefaultMaxConsecutiveFailures = 5
	DefaultMinPreKeyCount         = 5
	DefaultInitialPreKeyCount     = 30
	DefaultQRFirstTimeout         = 60 * time.Second
	DefaultQRRefTimeout           = 20 * time.Second
)

// DefaultVersion is the client version advertised in the handshake.
var DefaultVersion = noise.AppVersion{2, 3000, 1023223821}

// Browser describes the companion as shown in the primary's linked
// devices list.
type Browser struct {
	OS      string
	Name    string
	Version string
}

// BrowserUbuntu, BrowserMacOS and BrowserWindows build the usual
// descriptors for a browser name such as "Chrome".
func BrowserUbuntu(name string) Browser  { return Browser{"Ubuntu", name, "22.04.4"} }
func BrowserMacOS(name string) Browser   { return Browser{"Mac OS", name, "14.4.1"} }
func BrowserWindows(name string) Browser { return Browser{"Windows", name, "10.0.22631"} }

// String returns the "Name (OS)" display form.
func (b Browser) String() string {
	return b.Name + " (" + b.OS + ")"
}

// CacheTTLs sets the lifetime of the client's bounded caches.
type CacheTTLs struct {
	SignalStore time.Duration
	MsgRetry    time.Duration
	CallOffer   time.Duration
	DeviceList  time.Duration
}

// HistorySync controls the history the primary is asked to send.
type HistorySync struct {
	Full  bool
	Types []int
}

// DialFunc opens the raw duplex stream to the edge.
type DialFunc func(ctx context.Context, url, origin string) (io.ReadWriteCloser, error)

// GetMessageFunc returns the payload of a message we sent earlier so it
// can be re-encrypted for a retry receipt. Returning nil skips the resend.
type GetMessageFunc func(ctx context.Context, chat types.JID, id string) ([]byte, error)

// Config configures a Client. Use NewConfig for defaults; zero fields of
// a hand-built Config are filled in when the client is created.
type Config struct {
	WebSocketURL string
	Origin       string
	Dial         DialFunc

	ConnectTimeout       time.Duration
	KeepAliveInterval    time.Duration
	KeepAliveMaxFailures int
	QueryTimeout         time.Duration
	RetryRequestDelay    time.Duration
	MaxRetryAttempts     int

	TransactionMaxCommitRetries int
	TransactionRetryDelay       time.Duration

	MaxMsgRetryCount       int
	MaxConsecutiveFailures int
	MinPreKeyCount         int
	InitialPreKeyCount     int

	QRFirstTimeout time.Duration
	QRRefTimeout   time.Duration

	CacheTTLs   CacheTTLs
	HistorySync HistorySync

	// ShouldIgnoreJID drops inbound messages from matching senders. They
	// are still acknowledged.
	ShouldIgnoreJID func(types.JID) bool
	GetMessage      GetMessageFunc

	Browser      Browser
	Version      noise.AppVersion
	AuthorityKey [32]byte

	MarkOnlineOnConnect bool
	FireInitQueries     bool
	EmitOwnEvents       bool

	// SessionRepository overrides the built-in Signal implementation.
	SessionRepository store.SessionRepository
	// StrictIdentity rejects peers whose identity key changed.
	StrictIdentity bool

	Metrics      *metrics.Metrics
	TimeProvider crypto.TimeProvider
	Logger       *logrus.Entry
}

// NewConfig returns a Config with every default applied.
func NewConfig() *Config {
	logrus.WithFields(logrus.Fields{
		"function": "NewConfig",
	}).Debug("Creating default client config")

	return &Config{
		WebSocketURL:                DefaultWebSocketURL,
		Origin:                      DefaultOrigin,
		Dial:                        transport.DialWebSocket,
		ConnectTimeout:              DefaultConnectTimeout,
		KeepAliveInterval:           DefaultKeepAliveInterval,
		KeepAliveMaxFailures:        DefaultKeepAliveMaxFailures,
		QueryTimeout:                DefaultQueryTimeout,
		RetryRequestDelay:           DefaultRetryRequestDelay,
		MaxRetryAttempts:            DefaultMaxRetryAttempts,
		TransactionMaxCommitRetries: DefaultMaxCommitRetries,
		TransactionRetryDelay:       DefaultTransactionRetryDelay,
		MaxMsgRetryCount:            DefaultMaxMsgRetryCount,
		MaxConsecutiveFailures:      DefaultMaxConsecutiveFailures,
		MinPreKeyCount:              DefaultMinPreKeyCount,
		InitialPreKeyCount:          DefaultInitialPreKeyCount,
		QRFirstTimeout:              DefaultQRFirstTimeout,
		QRRefTimeout:                DefaultQRRefTimeout,
		CacheTTLs: CacheTTLs{
			SignalStore: 30 * time.Minute,
			MsgRetry:    60 * time.Second,
			CallOffer:   120 * time.Second,
			DeviceList:  10 * time.Minute,
		},
		ShouldIgnoreJID:     func(types.JID) bool { return false },
		Browser:             BrowserUbuntu("Chrome"),
		Version:             DefaultVersion,
		AuthorityKey:        noise.DefaultAuthorityKey,
		MarkOnlineOnConnect: true,
		FireInitQueries:     true,
		EmitOwnEvents:       true,
		TimeProvider:        crypto.GetDefaultTimeProvider(),
		Logger:              logrus.NewEntry(logrus.StandardLogger()),
	}
}

// withDefaults returns a copy of c with zero fields taken from NewConfig.
// Booleans are left alone since false is a valid choice.
func (c *Config) withDefaults() *Config {
	d := NewConfig()
	if c == nil {
		return d
	}
	out := *c
	setDefault(&out.WebSocketURL, d.WebSocketURL)
	setDefault(&out.Origin, d.Origin)
	setDefault(&out.ConnectTimeout, d.ConnectTimeout)
	setDefault(&out.KeepAliveInterval, d.KeepAliveInterval)
	setDefault(&out.KeepAliveMaxFailures, d.KeepAliveMaxFailures)
	setDefault(&out.QueryTimeout, d.QueryTimeout)
	setDefault(&out.RetryRequestDelay, d.RetryRequestDelay)
	setDefault(&out.MaxRetryAttempts, d.MaxRetryAttempts)
	setDefault(&out.TransactionMaxCommitRetries, d.TransactionMaxCommitRetries)
	setDefault(&out.TransactionRetryDelay, d.TransactionRetryDelay)
	setDefault(&out.MaxMsgRetryCount, d.MaxMsgRetryCount)
	setDefault(&out.MaxConsecutiveFailures, d.MaxConsecutiveFailures)
	setDefault(&out.MinPreKeyCount, d.MinPreKeyCount)
	setDefault(&out.InitialPreKeyCount, d.InitialPreKeyCount)
	setDefault(&out.QRFirstTimeout, d.QRFirstTimeout)
	setDefault(&out.QRRefTimeout, d.QRRefTimeout)
	setDefault(&out.CacheTTLs.SignalStore, d.CacheTTLs.SignalStore)
	setDefault(&out.CacheTTLs.MsgRetry, d.CacheTTLs.MsgRetry)
	setDefault(&out.CacheTTLs.CallOffer, d.CacheTTLs.CallOffer)
	setDefault(&out.CacheTTLs.DeviceList, d.CacheTTLs.DeviceList)
	setDefault(&out.Browser, d.Browser)
	setDefault(&out.Version, d.Version)
	setDefault(&out.AuthorityKey, d.AuthorityKey)
	if out.Dial == nil {
		out.Dial = d.Dial
	}
	if out.ShouldIgnoreJID == nil {
		out.ShouldIgnoreJID = d.ShouldIgnoreJID
	}
	if out.TimeProvider == nil {
		out.TimeProvider = d.TimeProvider
	}
	if out.Logger == nil {
		out.Logger = d.Logger
	}
	return &out
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
