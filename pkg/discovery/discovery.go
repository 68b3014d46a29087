// Package discovery implements C2: loading and normalizing the initial
// (and, on refresh, the rediscovered) set of KMS endpoint URLs that feed
// pkg/urlpool.
package discovery

import (
	"context"

	"github.com/distkv/restkmsconnector/pkg/kmserrors"
	"github.com/distkv/restkmsconnector/pkg/urlpool"
)

// Mode enumerates the recognized discovery source kinds. file is the only
// implemented one; any other value fails with not-implemented.
type Mode string

const ModeFile Mode = "file"

// Source discovers the current set of KMS URLs. Discover must return
// already-normalized URLs (trimmed, no trailing slash); Pool.PushURL
// re-normalizes defensively but a Source should not rely on that.
type Source interface {
	Discover(ctx context.Context) ([]string, error)
}

// PersistedURLSource is the seam for the "persisted URL list in the
// cluster configuration store" path referenced in the original source but
// never wired to live data there. A nil PersistedURLSource means "no
// persisted source configured"; Discovery then always discovers from
// Fallback.
//
// The original only ever observed this knob empty and fell through to
// file discovery unconditionally; this type exists so that intent -- use
// persisted URLs if present, otherwise rediscover from file -- has
// somewhere to live once a real config-store reader is wired in. No such
// reader is implemented here; nil is the only value ever passed today.
type PersistedURLSource func(ctx context.Context) ([]string, error)

// Discovery implements C2's public contract: discover(refresh_persisted)
// mutating a urlpool.Pool.
type Discovery struct {
	Fallback  Source
	Persisted PersistedURLSource

	// LastRefreshTS records the time of the most recent successful
	// discovery that replaced the pool wholesale (spec §4.2), as the
	// nowUnix value the caller passed to Discover; Discovery never reads
	// the clock itself. The connector's refresh-policy predicate reads
	// kmsconnector.Context.LastRefreshTS, which the loop advances after
	// each successful rediscovery, not this field.
	LastRefreshTS int64
}

// New builds a Discovery that falls back to source when no persisted URL
// list is available (or none is configured).
func New(source Source) *Discovery {
	return &Discovery{Fallback: source}
}

// Discover mutates pool per spec §4.2. When refreshPersisted is true, the
// freshly discovered URLs replace the pool's contents wholesale (drain
// then insert); LastRefreshTS is advanced via nowUnix on success.
func (d *Discovery) Discover(ctx context.Context, pool *urlpool.Pool, refreshPersisted bool, nowUnix int64) error {
	urls, err := d.discoverURLs(ctx)
	if err != nil {
		return err
	}

	if refreshPersisted {
		pool.Drain()
	}
	for _, u := range urls {
		pool.PushURL(u)
	}
	if refreshPersisted {
		d.LastRefreshTS = nowUnix
	}
	return nil
}

func (d *Discovery) discoverURLs(ctx context.Context) ([]string, error) {
	if d.Persisted != nil {
		urls, err := d.Persisted(ctx)
		if err != nil {
			return nil, err
		}
		if len(urls) > 0 {
			return urls, nil
		}
	}
	if d.Fallback == nil {
		return nil, kmserrors.New(kmserrors.KindInvalidConfig, "no discovery source configured")
	}
	return d.Fallback.Discover(ctx)
}
