package sql

import (
	"context"
	dbsql "database/sql"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
)

func (s *SQL) GetBalance(ctx context.Context, address string) (uint64, error) {
	var balance int64

	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM balances WHERE address = $1
	`, address).Scan(&balance)

	if err != nil {
		if errors.Is(err, dbsql.ErrNoRows) {
			return 0, nil
		}

		return 0, errors.NewStorageError("utxoindex: get balance for %s", address, err)
	}

	if balance < 0 {
		return 0, errors.NewCorruptIndexError("utxoindex: negative balance %d for %s", balance, address)
	}

	return uint64(balance), nil
}

func (s *SQL) GetHistory(ctx context.Context, address string, fromHeight, toHeight uint32) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT height, tx_hash, delta FROM history
		WHERE address = $1 AND height >= $2 AND height <= $3
		ORDER BY height ASC, tx_hash ASC
	`, address, fromHeight, toHeight)
	if err != nil {
		return nil, errors.NewStorageError("utxoindex: get history for %s", address, err)
	}

	defer rows.Close()

	entries := make([]model.HistoryEntry, 0)

	for rows.Next() {
		var (
			entry     model.HistoryEntry
			hashBytes []byte
		)

		if err = rows.Scan(&entry.Height, &hashBytes, &entry.Delta); err != nil {
			return nil, errors.NewStorageError("utxoindex: scan history for %s", address, err)
		}

		hash, err := chainhash.NewHash(hashBytes)
		if err != nil {
			return nil, errors.NewCorruptIndexError("utxoindex: stored history hash does not parse", err)
		}

		entry.TxHash = *hash
		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, errors.NewStorageError("utxoindex: iterate history for %s", address, err)
	}

	return entries, nil
}

func (s *SQL) ListUnspent(ctx context.Context, address string) ([]model.Unspent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_hash, vout, satoshis, height FROM utxos
		WHERE address = $1 AND NOT spent
		ORDER BY height ASC, tx_hash ASC, vout ASC
	`, address)
	if err != nil {
		return nil, errors.NewStorageError("utxoindex: list unspent for %s", address, err)
	}

	defer rows.Close()

	unspent := make([]model.Unspent, 0)

	for rows.Next() {
		var (
			hashBytes []byte
			vout      uint32
			satoshis  int64
			height    uint32
		)

		if err = rows.Scan(&hashBytes, &vout, &satoshis, &height); err != nil {
			return nil, errors.NewStorageError("utxoindex: scan unspent for %s", address, err)
		}

		hash, err := chainhash.NewHash(hashBytes)
		if err != nil {
			return nil, errors.NewCorruptIndexError("utxoindex: stored utxo hash does not parse", err)
		}

		unspent = append(unspent, model.Unspent{
			OutPoint: model.NewOutPoint(hash, vout),
			Satoshis: uint64(satoshis), //nolint:gosec
			Height:   height,
		})
	}

	if err = rows.Err(); err != nil {
		return nil, errors.NewStorageError("utxoindex: iterate unspent for %s", address, err)
	}

	return unspent, nil
}
