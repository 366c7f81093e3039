package sql

import (
	"context"
	"database/sql"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
)

func (s *SQL) PutBlock(ctx context.Context, block *model.Block) error {
	blockHash := block.Hash()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError("ledger: begin put block %s", blockHash, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var existingHash []byte

	err = tx.QueryRowContext(ctx, `
		SELECT hash FROM blocks WHERE height = $1 AND NOT orphaned
	`, block.Height).Scan(&existingHash)

	switch {
	case err == nil:
		return errors.NewBlockExistsError("height %d already occupied by %x", block.Height, existingHash)
	case !errors.Is(err, sql.ErrNoRows):
		return errors.NewStorageError("ledger: check height %d", block.Height, err)
	}

	// a previously orphaned copy of this block may exist from an earlier
	// fork; remove it so the hash index stays clean
	if _, err = tx.ExecContext(ctx, `
		DELETE FROM blocks WHERE hash = $1 AND orphaned
	`, blockHash[:]); err != nil {
		return errors.NewStorageError("ledger: delete orphaned copy of %s", blockHash, err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO blocks (height, hash, previous_hash, header, tx_count)
		VALUES ($1, $2, $3, $4, $5)
	`, block.Height, blockHash[:], block.Header.HashPrevBlock[:], block.Header.Bytes(), len(block.Txs)); err != nil {
		return errors.NewStorageError("ledger: insert block %s", blockHash, err)
	}

	for idx, btx := range block.Txs {
		txHash := btx.TxIDChainHash()

		if _, err = tx.ExecContext(ctx, `
			INSERT INTO transactions (hash, block_height, block_hash, idx, raw)
			VALUES ($1, $2, $3, $4, $5)
		`, txHash[:], block.Height, blockHash[:], idx, btx.Bytes()); err != nil {
			return errors.NewStorageError("ledger: insert tx %s", txHash, err)
		}

		for vout, output := range btx.Outputs {
			address := addressForOutput(output)

			if _, err = tx.ExecContext(ctx, `
				INSERT INTO outputs (tx_hash, vout, satoshis, locking_script, address)
				VALUES ($1, $2, $3, $4, $5)
			`, txHash[:], vout, int64(output.Satoshis), []byte(*output.LockingScript), address); err != nil { //nolint:gosec
				return errors.NewStorageError("ledger: insert output %s:%d", txHash, vout, err)
			}
		}

		for vin, input := range btx.Inputs {
			if isCoinbaseInput(input) {
				continue
			}

			prevHash := input.PreviousTxIDChainHash()

			res, err := tx.ExecContext(ctx, `
				UPDATE outputs
				SET spent_by_tx = $1, spent_by_vin = $2
				WHERE tx_hash = $3 AND vout = $4
				AND (spent_by_tx IS NULL OR (spent_by_tx = $1 AND spent_by_vin = $2))
			`, txHash[:], vin, prevHash[:], input.PreviousTxOutIndex)
			if err != nil {
				return errors.NewStorageError("ledger: mark spent %s:%d", prevHash, input.PreviousTxOutIndex, err)
			}

			rows, _ := res.RowsAffected()
			if rows == 0 {
				return errors.NewSpentError("output %s:%d missing or spent by another tx", prevHash, input.PreviousTxOutIndex)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.NewStorageError("ledger: commit block %s", blockHash, err)
	}

	return nil
}

func isCoinbaseInput(input *bt.Input) bool {
	if input.PreviousTxOutIndex != 0xffffffff {
		return false
	}

	prevHash := input.PreviousTxIDChainHash()

	for _, b := range prevHash[:] {
		if b != 0 {
			return false
		}
	}

	return true
}

// addressForOutput strips any claim operation before deriving the index key,
// so claim outputs are credited to the underlying pay script.
func addressForOutput(output *bt.Output) string {
	_, payScript, err := model.ParseClaimScript(output.LockingScript)
	if err != nil || payScript == nil {
		return model.AddressForScript(output.LockingScript)
	}

	return model.AddressForScript(payScript)
}
