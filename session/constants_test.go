package session

import "time"

// Common test constants shared by the session tests.

const (
	// testWait bounds every Eventually in this package.
	testWait = 2 * time.Second

	// testTick is the Eventually polling interval.
	testTick = 5 * time.Millisecond

	// testSessionID names the session directory used in tests.
	testSessionID = "primary"

	// testPassphrase encrypts credentials in tests.
	testPassphrase = "test-passphrase"

	// testOpenTimeout differs from every pairing and reconnect delay so the
	// fake clock can tell Initializing timers apart.
	testOpenTimeout = 47 * time.Second

	// testIdentity is the paired account address used in seeded credentials.
	testIdentity = "5551234@s.link"
)
