package sql

import (
	"database/sql"
	"net/url"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/ulogger"
	"github.com/claimnet/claimnode/util"
)

type SQL struct {
	db     *sql.DB
	engine util.SQLEngine
	logger ulogger.Logger
}

func New(logger ulogger.Logger, storeURL *url.URL, dataFolder string) (*SQL, error) {
	db, err := util.InitSQLDB(logger, storeURL, dataFolder)
	if err != nil {
		return nil, errors.NewStorageError("ledger: failed to init sql db", err)
	}

	engine := util.SQLEngine(storeURL.Scheme)

	switch engine {
	case util.Postgres:
		err = createPostgresSchema(db)
	case util.Sqlite, util.SqliteMemory:
		err = createSqliteSchema(db)
	default:
		return nil, errors.NewConfigurationError("ledger: unknown database engine: %s", storeURL.Scheme)
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

func createPostgresSchema(db *sql.DB) error {
	if _, err := db.Exec(`
	  CREATE TABLE IF NOT EXISTS state (
	     key            VARCHAR(64) PRIMARY KEY
	    ,data           BYTEA NOT NULL
	    ,updated_at     TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	  );
	`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create state table", err)
	}

	if _, err := db.Exec(`
	  CREATE TABLE IF NOT EXISTS blocks (
	     id             BIGSERIAL PRIMARY KEY
	    ,height         BIGINT NOT NULL
	    ,hash           BYTEA NOT NULL
	    ,previous_hash  BYTEA NOT NULL
	    ,header         BYTEA NOT NULL
	    ,tx_count       BIGINT NOT NULL
	    ,orphaned       BOOLEAN NOT NULL DEFAULT FALSE
	    ,inserted_at    TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	  );
	`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create blocks table", err)
	}

	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS pux_blocks_height ON blocks (height) WHERE NOT orphaned;`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create pux_blocks_height index", err)
	}

	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS pux_blocks_hash ON blocks (hash) WHERE NOT orphaned;`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create pux_blocks_hash index", err)
	}

	if _, err := db.Exec(`
	  CREATE TABLE IF NOT EXISTS transactions (
	     hash           BYTEA PRIMARY KEY
	    ,block_height   BIGINT NOT NULL
	    ,block_hash     BYTEA NOT NULL
	    ,idx            BIGINT NOT NULL
	    ,raw            BYTEA NOT NULL
	  );
	`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create transactions table", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS ix_transactions_height ON transactions (block_height);`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create ix_transactions_height index", err)
	}

	if _, err := db.Exec(`
	  CREATE TABLE IF NOT EXISTS outputs (
	     tx_hash        BYTEA NOT NULL
	    ,vout           BIGINT NOT NULL
	    ,satoshis       BIGINT NOT NULL
	    ,locking_script BYTEA NOT NULL
	    ,address        TEXT NOT NULL
	    ,spent_by_tx    BYTEA NULL
	    ,spent_by_vin   BIGINT NULL
	    ,PRIMARY KEY (tx_hash, vout)
	  );
	`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create outputs table", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS ix_outputs_address ON outputs (address);`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create ix_outputs_address index", err)
	}

	return nil
}

func createSqliteSchema(db *sql.DB) error {
	if _, err := db.Exec(`
	  CREATE TABLE IF NOT EXISTS state (
	     key            VARCHAR(64) PRIMARY KEY
	    ,data           BLOB NOT NULL
	    ,updated_at     TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	  );
	`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create state table", err)
	}

	if _, err := db.Exec(`
	  CREATE TABLE IF NOT EXISTS blocks (
	     id             INTEGER PRIMARY KEY AUTOINCREMENT
	    ,height         BIGINT NOT NULL
	    ,hash           BLOB NOT NULL
	    ,previous_hash  BLOB NOT NULL
	    ,header         BLOB NOT NULL
	    ,tx_count       BIGINT NOT NULL
	    ,orphaned       BOOLEAN NOT NULL DEFAULT FALSE
	    ,inserted_at    TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	  );
	`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create blocks table", err)
	}

	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS pux_blocks_height ON blocks (height) WHERE NOT orphaned;`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create pux_blocks_height index", err)
	}

	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS pux_blocks_hash ON blocks (hash) WHERE NOT orphaned;`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create pux_blocks_hash index", err)
	}

	if _, err := db.Exec(`
	  CREATE TABLE IF NOT EXISTS transactions (
	     hash           BLOB PRIMARY KEY
	    ,block_height   BIGINT NOT NULL
	    ,block_hash     BLOB NOT NULL
	    ,idx            BIGINT NOT NULL
	    ,raw            BLOB NOT NULL
	  );
	`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create transactions table", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS ix_transactions_height ON transactions (block_height);`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create ix_transactions_height index", err)
	}

	if _, err := db.Exec(`
	  CREATE TABLE IF NOT EXISTS outputs (
	     tx_hash        BLOB NOT NULL
	    ,vout           BIGINT NOT NULL
	    ,satoshis       BIGINT NOT NULL
	    ,locking_script BLOB NOT NULL
	    ,address        TEXT NOT NULL
	    ,spent_by_tx    BLOB NULL
	    ,spent_by_vin   BIGINT NULL
	    ,PRIMARY KEY (tx_hash, vout)
	  );
	`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create outputs table", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS ix_outputs_address ON outputs (address);`); err != nil {
		_ = db.Close()
		return errors.NewStorageError("could not create ix_outputs_address index", err)
	}

	return nil
}
