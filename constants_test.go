package pairlink

import "time"

// Common test constants used across the root package tests.
const (
	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond

	testSessionID  = "facade"
	testPassphrase = "correct horse battery staple"
	testIdentity   = "15550102030@s.link"
	testQR         = "ref-1,cHVia2V5,device-1"
)
