package main

import (
	"log"

	"github.com/grazelabs/farmsync/internal/offline/cache"
	"github.com/grazelabs/farmsync/internal/offline/store"
	"github.com/grazelabs/farmsync/internal/remote"
)

// openStack wires the store, cache manager and remote client from the loaded
// config. Callers own closing the store.
func openStack(logger *log.Logger) (*store.Store, *cache.Manager, *remote.HTTPClient, error) {
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, nil, err
	}

	cm := cache.New(st,
		cache.WithLogger(logger),
		cache.WithStaleAfter(cfg.Sync.StaleAfter))

	client := remote.NewHTTPClient(cfg.Remote.URL,
		remote.WithToken(cfg.Remote.Token),
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithLogger(logger))

	return st, cm, client, nil
}
