package sql

import (
	"context"
	"database/sql"
	"net/url"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/ulogger"
	"github.com/claimnet/claimnode/util"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type SQL struct {
	db     *sql.DB
	engine util.SQLEngine
	logger ulogger.Logger
}

func New(logger ulogger.Logger, storeURL *url.URL, dataFolder string) (*SQL, error) {
	db, err := util.InitSQLDB(logger, storeURL, dataFolder)
	if err != nil {
		return nil, errors.NewStorageError("utxoindex: failed to init sql db", err)
	}

	engine := util.SQLEngine(storeURL.Scheme)

	switch engine {
	case util.Postgres:
		err = createSchema(db, "BYTEA", "BIGSERIAL")
	case util.Sqlite, util.SqliteMemory:
		err = createSchema(db, "BLOB", "INTEGER")
	default:
		return nil, errors.NewConfigurationError("utxoindex: unknown database engine: %s", storeURL.Scheme)
	}

	if err != nil {
		return nil, err
	}

	return &SQL{
		db:     db,
		engine: engine,
		logger: logger,
	}, nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

// createSchema builds the derived-view tables. Only the blob and serial
// column types differ between engines.
func createSchema(db *sql.DB, blob, serial string) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS utxos (
		     tx_hash        ` + blob + ` NOT NULL
		    ,vout           BIGINT NOT NULL
		    ,address        TEXT NOT NULL
		    ,satoshis       BIGINT NOT NULL
		    ,height         BIGINT NOT NULL
		    ,spent          BOOLEAN NOT NULL DEFAULT FALSE
		    ,PRIMARY KEY (tx_hash, vout)
		  )`,
		`CREATE INDEX IF NOT EXISTS ix_utxos_address ON utxos (address) WHERE NOT spent`,
		`CREATE TABLE IF NOT EXISTS balances (
		     address        TEXT PRIMARY KEY
		    ,balance        BIGINT NOT NULL
		  )`,
		`CREATE TABLE IF NOT EXISTS history (
		     address        TEXT NOT NULL
		    ,height         BIGINT NOT NULL
		    ,tx_hash        ` + blob + ` NOT NULL
		    ,delta          BIGINT NOT NULL
		    ,PRIMARY KEY (address, height, tx_hash)
		  )`,
		`CREATE INDEX IF NOT EXISTS ix_history_address_height ON history (address, height)`,
		`CREATE TABLE IF NOT EXISTS undo (
		     height         BIGINT PRIMARY KEY
		    ,data           ` + blob + ` NOT NULL
		  )`,
		`CREATE TABLE IF NOT EXISTS state (
		     key            VARCHAR(64) PRIMARY KEY
		    ,data           ` + blob + ` NOT NULL
		  )`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return errors.NewStorageError("utxoindex: schema statement failed", err)
		}
	}

	return nil
}

// Height returns the highest applied height; ok is false on an empty index.
func (s *SQL) Height(ctx context.Context) (uint32, bool, error) {
	var height uint32

	err := s.db.QueryRowContext(ctx, `
		SELECT height FROM undo ORDER BY height DESC LIMIT 1
	`).Scan(&height)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}

		return 0, false, errors.NewStorageError("utxoindex: get height", err)
	}

	return height, true, nil
}
