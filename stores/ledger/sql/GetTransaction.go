package sql

import (
	"context"
	"database/sql"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/claimnet/claimnode/errors"
)

func (s *SQL) GetTransaction(ctx context.Context, hash *chainhash.Hash) (*bt.Tx, uint32, error) {
	var (
		raw    []byte
		height uint32
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT raw, block_height FROM transactions WHERE hash = $1
	`, hash[:]).Scan(&raw, &height)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, errors.NewTxNotFoundError("tx %s", hash)
		}

		return nil, 0, errors.NewStorageError("ledger: get tx %s", hash, err)
	}

	tx, err := bt.NewTxFromBytes(raw)
	if err != nil {
		return nil, 0, errors.NewCorruptIndexError("ledger: stored tx %s does not parse", hash, err)
	}

	return tx, height, nil
}
