package sql

import (
	"context"
	dbsql "database/sql"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
)

func (s *SQL) RollbackBlock(ctx context.Context, block *model.Block) error {
	height, ok, err := s.Height(ctx)
	if err != nil {
		return err
	}

	if !ok || block.Height != height {
		return errors.NewInvalidArgumentError("utxoindex: rollback of %d but tip is %d", block.Height, height)
	}

	var undoBytes []byte

	err = s.db.QueryRowContext(ctx, `
		SELECT data FROM undo WHERE height = $1
	`, block.Height).Scan(&undoBytes)

	if err != nil {
		if errors.Is(err, dbsql.ErrNoRows) {
			return errors.NewCorruptIndexError("utxoindex: no undo record for %d", block.Height)
		}

		return errors.NewStorageError("utxoindex: get undo for %d", block.Height, err)
	}

	var undo undoRecord
	if err = json.Unmarshal(undoBytes, &undo); err != nil {
		return errors.NewCorruptIndexError("utxoindex: undo record for %d does not parse", block.Height, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError("utxoindex: begin rollback %d", block.Height, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	// spends are restored before created outputs are deleted: an output both
	// created and spent inside this block is still present for the update and
	// removed by the delete
	for _, outpoint := range undo.Spent {
		res, err := tx.ExecContext(ctx, `
			UPDATE utxos SET spent = FALSE WHERE tx_hash = $1 AND vout = $2 AND spent
		`, outpoint.TxHash[:], outpoint.Index)
		if err != nil {
			return errors.NewStorageError("utxoindex: restore spent %s", outpoint, err)
		}

		rows, _ := res.RowsAffected()
		if rows == 0 {
			return errors.NewCorruptIndexError("utxoindex: spent output %s missing during rollback", outpoint)
		}
	}

	for _, outpoint := range undo.Created {
		if _, err = tx.ExecContext(ctx, `
			DELETE FROM utxos WHERE tx_hash = $1 AND vout = $2
		`, outpoint.TxHash[:], outpoint.Index); err != nil {
			return errors.NewStorageError("utxoindex: delete created %s", outpoint, err)
		}
	}

	for address, delta := range undo.Balances {
		if err = s.applyBalanceDelta(ctx, tx, address, -delta); err != nil {
			return err
		}
	}

	if _, err = tx.ExecContext(ctx, `
		DELETE FROM history WHERE height = $1
	`, block.Height); err != nil {
		return errors.NewStorageError("utxoindex: delete history at %d", block.Height, err)
	}

	if _, err = tx.ExecContext(ctx, `
		DELETE FROM undo WHERE height = $1
	`, block.Height); err != nil {
		return errors.NewStorageError("utxoindex: delete undo at %d", block.Height, err)
	}

	if err = tx.Commit(); err != nil {
		return errors.NewStorageError("utxoindex: commit rollback %d", block.Height, err)
	}

	return nil
}
