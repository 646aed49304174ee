package model

import "time"

// Shared defaults used by the server binary and tests.
const (
	DefaultSampleInterval = 1 * time.Second
	DefaultSampleCount    = 5
	DefaultConnectTimeout = 30 * time.Second
)
