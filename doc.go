// Package pairlink keeps a linked-device messaging session alive.
//
// A Link owns one session identifier. It pairs the device by presenting a QR
// challenge, persists the resulting credentials, reconnects with bounded
// backoff after drops and delivers outbound text messages with readiness
// checks and retries.
//
// # Getting Started
//
//	options := pairlink.NewOptions()
//	options.Config.Transport.ServerURL = "wss://link.example.org/ws"
//	options.Config.Transport.ServerKey = serverKeyHex
//	options.Config.Credentials.Passphrase = passphrase
//
//	link, err := pairlink.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer link.Kill()
//
//	link.OnQR(func(qr string) {
//	    qrterminal.Generate(qr, qrterminal.L, os.Stdout)
//	})
//	link.OnConnectionLost(func(r session.DisconnectReason, willRetry bool, hint string) {
//	    log.Println(hint)
//	})
//
//	if err := link.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
//	receipt, err := link.Send(ctx, "+1 (555) 010-2030", "hello")
//
// # Lifecycle
//
// The session moves through Idle, Initializing, AwaitingPairing, Open,
// Reconnecting, LoggedOut and Failed. Disconnects are classified by close
// code; see package session for the table. A remote logout wipes the stored
// credentials and requires ResetSession before pairing again.
//
// # Delivery
//
// Send validates the target and text, waits up to the configured grace period
// for the session to open, and retries recoverable failures with a fixed
// delay. The first retry asks the session to reestablish its connection.
// Errors are *delivery.Error values whose Kind tells callers whether trying
// again later can help.
//
// # Callbacks
//
// Callbacks and Subscribe channels are driven by a single notification
// goroutine in publish order. Callbacks must not block for long.
package pairlink
