package claimtrie

import (
	"context"
	"net/url"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/settings"
	"github.com/claimnet/claimnode/stores/claimtrie/sql"
	"github.com/claimnet/claimnode/ulogger"
)

// NewStore builds a trie backed by the persister the store URL selects. The
// memory scheme keeps no durable state and is mainly for tests.
func NewStore(ctx context.Context, logger ulogger.Logger, storeURL *url.URL, tSettings *settings.Settings) (Store, error) {
	var (
		persister Persister
		err       error
	)

	switch storeURL.Scheme {
	case "memory":
		persister = NullPersister{}
	case "postgres", "sqlite", "sqlitememory":
		persister, err = sql.New(logger, storeURL, tSettings.DataFolder)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.NewConfigurationError("claimtrie: unknown scheme: %s", storeURL.Scheme)
	}

	return NewTrie(ctx, logger, persister,
		tSettings.ClaimTrie.ActivationDelayFactor,
		tSettings.ClaimTrie.MaxActivationDelay,
	)
}
