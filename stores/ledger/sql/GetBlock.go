package sql

import (
	"context"
	"database/sql"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
)

func (s *SQL) GetBlockByHeight(ctx context.Context, height uint32) (*model.Block, error) {
	var headerBytes []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT header FROM blocks WHERE height = $1 AND NOT orphaned
	`, height).Scan(&headerBytes)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewBlockNotFoundError("no block at height %d", height)
		}

		return nil, errors.NewStorageError("ledger: get block at height %d", height, err)
	}

	header, err := model.NewBlockHeaderFromBytes(headerBytes)
	if err != nil {
		return nil, errors.NewCorruptIndexError("ledger: stored header at height %d does not parse", height, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT raw FROM transactions WHERE block_height = $1 ORDER BY idx ASC
	`, height)
	if err != nil {
		return nil, errors.NewStorageError("ledger: get txs at height %d", height, err)
	}

	defer rows.Close()

	var txs []*bt.Tx

	for rows.Next() {
		var raw []byte

		if err = rows.Scan(&raw); err != nil {
			return nil, errors.NewStorageError("ledger: scan tx at height %d", height, err)
		}

		tx, err := bt.NewTxFromBytes(raw)
		if err != nil {
			return nil, errors.NewCorruptIndexError("ledger: stored tx at height %d does not parse", height, err)
		}

		txs = append(txs, tx)
	}

	if err = rows.Err(); err != nil {
		return nil, errors.NewStorageError("ledger: iterate txs at height %d", height, err)
	}

	return model.NewBlock(height, header, txs), nil
}

func (s *SQL) GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (*model.BlockHeader, uint32, error) {
	var (
		headerBytes []byte
		height      uint32
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT header, height FROM blocks WHERE hash = $1 AND NOT orphaned
	`, hash[:]).Scan(&headerBytes, &height)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, errors.NewBlockNotFoundError("block %s", hash)
		}

		return nil, 0, errors.NewStorageError("ledger: get header %s", hash, err)
	}

	header, err := model.NewBlockHeaderFromBytes(headerBytes)
	if err != nil {
		return nil, 0, errors.NewCorruptIndexError("ledger: stored header %s does not parse", hash, err)
	}

	return header, height, nil
}

func (s *SQL) GetBestBlock(ctx context.Context) (*chainhash.Hash, uint32, error) {
	var (
		hashBytes []byte
		height    uint32
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT hash, height FROM blocks WHERE NOT orphaned ORDER BY height DESC LIMIT 1
	`).Scan(&hashBytes, &height)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, errors.NewBlockNotFoundError("ledger is empty")
		}

		return nil, 0, errors.NewStorageError("ledger: get best block", err)
	}

	hash, err := chainhash.NewHash(hashBytes)
	if err != nil {
		return nil, 0, errors.NewCorruptIndexError("ledger: stored best hash does not parse", err)
	}

	return hash, height, nil
}
