package kmsconnector

import (
	"sync/atomic"
	"time"

	"github.com/distkv/restkmsconnector/pkg/discovery"
	"github.com/distkv/restkmsconnector/pkg/tokenstore"
	"github.com/distkv/restkmsconnector/pkg/urlpool"
	"github.com/google/uuid"
)

// Context is the connector's top-level state (spec §3's "Connector
// Context"): a unique instance identifier, the URL pool, the token
// store, the last successful URL-refresh timestamp, a handle to the HTTP
// client, and the config it was constructed with. It is built once per
// connector and lives for the duration of the hosting process.
//
// Context itself holds no lock; the loop dispatches one worker goroutine
// per inbound RPC, and those workers reach Context's fields concurrently.
// Each field that crosses goroutines protects itself instead: Pool guards
// its own heap, RefreshPolicy and LastRefreshTS are read and written
// through sync/atomic. Tokens, Discovery and HTTP are only ever replaced
// wholesale by their own internally-synchronized types, never by Context.
type Context struct {
	UID uuid.UUID

	Pool   *urlpool.Pool
	Tokens tokenstore.Store

	Discovery *discovery.Discovery
	HTTP      HTTPClient

	Config Config
	// RefreshPolicy is the one pair of knobs that must be live (spec §9);
	// it is read through an atomic.Pointer so a config-reload can update
	// it without taking a lock on the hot request path.
	RefreshPolicy atomic.Pointer[RefreshPolicy]

	LastRefreshTS atomic.Int64

	KCV KCVFunc
}

// New constructs a Context. The caller must still run Bootstrap before
// handing it to a Loop.
func New(cfg Config, disc *discovery.Discovery, tokens tokenstore.Store, client HTTPClient) *Context {
	c := &Context{
		UID:       uuid.New(),
		Pool:      urlpool.New(),
		Tokens:    tokens,
		Discovery: disc,
		HTTP:      client,
		Config:    cfg,
		KCV:       DefaultKCV,
	}
	c.RefreshPolicy.Store(&RefreshPolicy{Enabled: cfg.RefreshEnabled, Interval: cfg.RefreshInterval})
	return c
}

// ShouldRefreshURLs implements the refresh-policy predicate of spec §4.2:
// enabled && (now - lastRefreshTs) > refreshInterval.
func (c *Context) ShouldRefreshURLs(now time.Time) bool {
	p := c.RefreshPolicy.Load()
	if p == nil || !p.Enabled {
		return false
	}
	last := time.Unix(c.LastRefreshTS.Load(), 0)
	return now.Sub(last) > p.Interval
}
