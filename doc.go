// Package wacore implements the connection core of a multi-device messaging
// client: it links a companion device to an account and keeps an encrypted
// session with the service edge.
//
// A Client owns one device. Connecting dials the websocket edge, runs a
// Noise XX handshake authenticated by the server's certificate chain, and
// then speaks binary-encoded nodes over the encrypted frame channel. An
// unpaired device registers and shows QR codes or a phone-number pairing
// code; a paired device logs in directly.
//
// # Getting Started
//
//	backend, err := sqlstore.Open(ctx, "device.db", sqlstore.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	cli, err := wacore.NewClient(backend, wacore.NewConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	cli.AddEventHandler(events.HandlerFunc(func(evt events.Event) {
//	    switch e := evt.(type) {
//	    case *events.QR:
//	        renderQR(e.Codes[0])
//	    case *events.Message:
//	        fmt.Printf("%s: %x\n", e.Info.Sender, e.Plaintext)
//	    }
//	}))
//
//	if err := cli.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Lifecycle
//
// The client moves through idle, connecting, handshaking, then registering
// or authenticating, syncing and open. Closing goes through closing to
// closed. Lost connections go through reconnecting. Every transition is
// reported as an [events.StateChange].
//
// Reconnects happen immediately and give up after
// Config.MaxConsecutiveFailures attempts. Revocation by the server
// (codes 401, 403, 419 and 440) deletes the stored device and never
// reconnects.
//
// # Messages
//
// Inbound messages are decrypted through the configured
// store.SessionRepository. Messages from one sender are handled in arrival
// order; different senders are handled concurrently. Messages that fail to
// decrypt are answered with retry receipts up to Config.MaxMsgRetryCount.
//
// # Thread Safety
//
// Client methods are safe for concurrent use. Event handlers run on the
// goroutine that produced the event and must not block for long.
package wacore
