// Package env bundles the backend handles every handler and consumer
// receives. Callers never learn which substrate backs them.
package env

import (
	"time"

	"manuscripthub/pkg/kv"
	"manuscripthub/pkg/queue"
	"manuscripthub/pkg/session"
	"manuscripthub/pkg/sqldb"
	"manuscripthub/pkg/storage"
)

// Clock returns the current time; tests substitute a fake.
type Clock func() time.Time

type Env struct {
	DB       *sqldb.DB
	Buckets  storage.Buckets
	KV       kv.Store
	Sessions session.Store
	Queue    queue.Queue
	Clock    Clock
}

// Now reads the environment clock, falling back to the wall clock.
func (e *Env) Now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock().UTC()
}
