//go:build !unix

package database

import "time"

// Without flock, concurrent first-time setup relies on the idempotent base
// schema and the migration ledger alone.
type initLock struct{}

func acquireInitLock(string, time.Duration) (*initLock, error) { return &initLock{}, nil }

func (*initLock) release() {}
