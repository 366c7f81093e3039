package sql

import (
	"context"
	"database/sql"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
)

func (s *SQL) MarkSpent(ctx context.Context, outpoint model.OutPoint, spendingTx *chainhash.Hash, inputIndex uint32) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outputs
		SET spent_by_tx = $1, spent_by_vin = $2
		WHERE tx_hash = $3 AND vout = $4
		AND (spent_by_tx IS NULL OR (spent_by_tx = $1 AND spent_by_vin = $2))
	`, spendingTx[:], inputIndex, outpoint.TxHash[:], outpoint.Index)
	if err != nil {
		return errors.NewStorageError("ledger: mark spent %s", outpoint, err)
	}

	rows, _ := res.RowsAffected()
	if rows > 0 {
		return nil
	}

	// distinguish a missing output from one spent by a different tx
	var spentBy []byte

	err = s.db.QueryRowContext(ctx, `
		SELECT spent_by_tx FROM outputs WHERE tx_hash = $1 AND vout = $2
	`, outpoint.TxHash[:], outpoint.Index).Scan(&spentBy)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("output %s", outpoint)
		}

		return errors.NewStorageError("ledger: check output %s", outpoint, err)
	}

	return errors.NewSpentError("output %s already spent by %x", outpoint, spentBy)
}
