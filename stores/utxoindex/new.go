package utxoindex

import (
	"net/url"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/stores/utxoindex/sql"
	"github.com/claimnet/claimnode/ulogger"
)

func NewStore(logger ulogger.Logger, storeURL *url.URL, dataFolder string) (Store, error) {
	switch storeURL.Scheme {
	case "postgres", "sqlite", "sqlitememory":
		return sql.New(logger, storeURL, dataFolder)
	}

	return nil, errors.NewConfigurationError("utxoindex: unknown scheme: %s", storeURL.Scheme)
}
