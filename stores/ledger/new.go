package ledger

import (
	"net/url"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/stores/ledger/sql"
	"github.com/claimnet/claimnode/ulogger"
)

func NewStore(logger ulogger.Logger, storeURL *url.URL, dataFolder string) (Store, error) {
	switch storeURL.Scheme {
	case "postgres", "sqlite", "sqlitememory":
		return sql.New(logger, storeURL, dataFolder)
	}

	return nil, errors.NewConfigurationError("ledger: unknown scheme: %s", storeURL.Scheme)
}
