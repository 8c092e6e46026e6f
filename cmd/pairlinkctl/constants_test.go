package main

import "time"

const (
	testWait       = 2 * time.Second
	testSessionID  = "cli"
	testPassphrase = "correct horse battery staple"
	testIdentity   = "15550102030@s.link"
)
