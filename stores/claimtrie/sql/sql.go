// Package sql persists claim trie state as opaque node and undo blobs. The
// trie owns the encoding; this package only keeps the blobs transactional.
package sql

import (
	"context"
	"database/sql"
	"encoding/binary"
	"net/url"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/ulogger"
	"github.com/claimnet/claimnode/util"
)

const stateKeyHeight = "committed_height"

type SQL struct {
	db     *sql.DB
	engine util.SQLEngine
	logger ulogger.Logger
}

func New(logger ulogger.Logger, storeURL *url.URL, dataFolder string) (*SQL, error) {
	db, err := util.InitSQLDB(logger, storeURL, dataFolder)
	if err != nil {
		return nil, errors.NewStorageError("claimtrie: failed to init sql db", err)
	}

	engine := util.SQLEngine(storeURL.Scheme)

	var blob string

	switch engine {
	case util.Postgres:
		blob = "BYTEA"
	case util.Sqlite, util.SqliteMemory:
		blob = "BLOB"
	default:
		return nil, errors.NewConfigurationError("claimtrie: unknown database engine: %s", storeURL.Scheme)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
		     name           ` + blob + ` PRIMARY KEY
		    ,data           ` + blob + ` NOT NULL
		  )`,
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
		if _, err = db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, errors.NewStorageError("claimtrie: schema statement failed", err)
		}
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

func (s *SQL) Load(ctx context.Context) (map[string][]byte, map[uint32][]byte, uint32, bool, error) {
	var heightBytes []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM state WHERE key = $1
	`, stateKeyHeight).Scan(&heightBytes)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, 0, false, nil
		}

		return nil, nil, 0, false, errors.NewStorageError("claimtrie: get committed height", err)
	}

	if len(heightBytes) != 4 {
		return nil, nil, 0, false, errors.NewCorruptIndexError("claimtrie: committed height is %d bytes", len(heightBytes))
	}

	height := binary.LittleEndian.Uint32(heightBytes)

	nodes, err := s.loadNodes(ctx)
	if err != nil {
		return nil, nil, 0, false, err
	}

	undo, err := s.loadUndo(ctx)
	if err != nil {
		return nil, nil, 0, false, err
	}

	return nodes, undo, height, true, nil
}

func (s *SQL) loadNodes(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, data FROM nodes
	`)
	if err != nil {
		return nil, errors.NewStorageError("claimtrie: load nodes", err)
	}

	defer rows.Close()

	nodes := map[string][]byte{}

	for rows.Next() {
		var name, data []byte

		if err = rows.Scan(&name, &data); err != nil {
			return nil, errors.NewStorageError("claimtrie: scan node", err)
		}

		nodes[string(name)] = data
	}

	if err = rows.Err(); err != nil {
		return nil, errors.NewStorageError("claimtrie: iterate nodes", err)
	}

	return nodes, nil
}

func (s *SQL) loadUndo(ctx context.Context) (map[uint32][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT height, data FROM undo
	`)
	if err != nil {
		return nil, errors.NewStorageError("claimtrie: load undo", err)
	}

	defer rows.Close()

	undo := map[uint32][]byte{}

	for rows.Next() {
		var (
			height uint32
			data   []byte
		)

		if err = rows.Scan(&height, &data); err != nil {
			return nil, errors.NewStorageError("claimtrie: scan undo", err)
		}

		undo[height] = data
	}

	if err = rows.Err(); err != nil {
		return nil, errors.NewStorageError("claimtrie: iterate undo", err)
	}

	return undo, nil
}

func (s *SQL) SaveBlock(ctx context.Context, height uint32, nodes map[string][]byte, undo []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError("claimtrie: begin save %d", height, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err = s.writeNodes(ctx, tx, nodes); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO undo (height, data) VALUES ($1, $2)
	`, height, undo); err != nil {
		return errors.NewStorageError("claimtrie: insert undo for %d", height, err)
	}

	if err = s.setHeight(ctx, tx, height); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return errors.NewStorageError("claimtrie: commit save %d", height, err)
	}

	return nil
}

func (s *SQL) RollbackTo(ctx context.Context, height uint32, nodes map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError("claimtrie: begin rollback to %d", height, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if _, err = tx.ExecContext(ctx, `
		DELETE FROM undo WHERE height > $1
	`, height); err != nil {
		return errors.NewStorageError("claimtrie: delete undo above %d", height, err)
	}

	if err = s.writeNodes(ctx, tx, nodes); err != nil {
		return err
	}

	if err = s.setHeight(ctx, tx, height); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return errors.NewStorageError("claimtrie: commit rollback to %d", height, err)
	}

	return nil
}

func (s *SQL) writeNodes(ctx context.Context, tx *sql.Tx, nodes map[string][]byte) error {
	upsert := `
		INSERT INTO nodes (name, data) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET data = $2
	`
	if s.engine == util.Postgres {
		upsert = `
			INSERT INTO nodes (name, data) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data
		`
	}

	for name, data := range nodes {
		if data == nil {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM nodes WHERE name = $1
			`, []byte(name)); err != nil {
				return errors.NewStorageError("claimtrie: delete node %q", name, err)
			}

			continue
		}

		if _, err := tx.ExecContext(ctx, upsert, []byte(name), data); err != nil {
			return errors.NewStorageError("claimtrie: upsert node %q", name, err)
		}
	}

	return nil
}

func (s *SQL) setHeight(ctx context.Context, tx *sql.Tx, height uint32) error {
	heightBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(heightBytes, height)

	q := `
		INSERT INTO state (key, data) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET data = $2
	`
	if s.engine == util.Postgres {
		q = `
			INSERT INTO state (key, data) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data
		`
	}

	if _, err := tx.ExecContext(ctx, q, stateKeyHeight, heightBytes); err != nil {
		return errors.NewStorageError("claimtrie: set committed height", err)
	}

	return nil
}
