// Copyright 2024 coreroomd contributors
//
// Package caching provides the process-local caches that sit in front of
// storage: short-id dictionaries, room versions, server signing keys,
// and the bad-event verification ratelimiter. Mirrors the teacher's
// internal/caching package (NewRistrettoCache, per-kind wrapper types).
package caching

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/sirupsen/logrus"
)

// Caches bundles every ristretto-backed cache the roomserver and
// federationapi use. Constructed once at startup.
type Caches struct {
	ShortEventID    *ristretto.Cache
	ShortStateKey   *ristretto.Cache
	RoomVersions    *ristretto.Cache
	ServerKeys      *ristretto.Cache

	BadEvents *BadEventRatelimiter
}

// NewRistrettoCache builds the cache set, giving each ristretto cache
// its own maxCost budget, following the teacher's
// NewRistrettoCache(maxCost, maxAge, ...) constructor shape. maxAge is
// not applied to any cache.
func NewRistrettoCache(maxCost int64, maxAge time.Duration) *Caches {
	newCache := func(name string) *ristretto.Cache {
		c, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: maxCost / 8 * 10,
			MaxCost:     maxCost,
			BufferItems: 64,
		})
		if err != nil {
			// Ristretto only fails to construct on invalid config
			// constants above, which are compile-time fixed; treat as
			// a programmer error the same way the teacher's cache
			// constructors do.
			logrus.WithError(err).WithField("cache", name).Panic("failed to create cache")
		}
		return c
	}

	return &Caches{
		ShortEventID:  newCache("short_event_id"),
		ShortStateKey: newCache("short_state_key"),
		RoomVersions:  newCache("room_versions"),
		ServerKeys:    newCache("server_keys"),
		BadEvents:     NewBadEventRatelimiter(),
	}
}
