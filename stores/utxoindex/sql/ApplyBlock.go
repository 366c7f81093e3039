package sql

import (
	"context"
	dbsql "database/sql"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
	"github.com/claimnet/claimnode/util"
)

// undoRecord is the serialized diff of one applied block. RollbackBlock
// replays it in reverse instead of re-deriving history.
type undoRecord struct {
	Height   uint32           `json:"height"`
	Created  []model.OutPoint `json:"created"`
	Spent    []model.OutPoint `json:"spent"`
	Balances map[string]int64 `json:"balances"`
}

type historyKey struct {
	address string
	txHash  chainhash.Hash
}

func (s *SQL) ApplyBlock(ctx context.Context, block *model.Block) error {
	height, ok, err := s.Height(ctx)
	if err != nil {
		return err
	}

	if ok && block.Height != height+1 {
		return errors.NewInvalidArgumentError("utxoindex: expected height %d, got %d", height+1, block.Height)
	}

	if !ok && block.Height != 0 {
		return errors.NewInvalidArgumentError("utxoindex: expected genesis, got height %d", block.Height)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError("utxoindex: begin apply %d", block.Height, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	undo := undoRecord{
		Height:   block.Height,
		Balances: map[string]int64{},
	}

	historyDeltas := map[historyKey]int64{}

	for _, btx := range block.Txs {
		txHash := btx.TxIDChainHash()

		if !btx.IsCoinbase() {
			for vin, input := range btx.Inputs {
				prevHash := input.PreviousTxIDChainHash()
				outpoint := model.NewOutPoint(prevHash, input.PreviousTxOutIndex)

				var (
					address  string
					satoshis int64
				)

				err = tx.QueryRowContext(ctx, `
					SELECT address, satoshis FROM utxos
					WHERE tx_hash = $1 AND vout = $2 AND NOT spent
				`, prevHash[:], input.PreviousTxOutIndex).Scan(&address, &satoshis)

				if err != nil {
					if errors.Is(err, dbsql.ErrNoRows) {
						return errors.NewCorruptIndexError("utxoindex: spend of unknown output %s by %s:%d", outpoint, txHash, vin)
					}

					return errors.NewStorageError("utxoindex: look up %s", outpoint, err)
				}

				if _, err = tx.ExecContext(ctx, `
					UPDATE utxos SET spent = TRUE WHERE tx_hash = $1 AND vout = $2
				`, prevHash[:], input.PreviousTxOutIndex); err != nil {
					return errors.NewStorageError("utxoindex: mark spent %s", outpoint, err)
				}

				undo.Spent = append(undo.Spent, outpoint)
				undo.Balances[address] -= satoshis
				historyDeltas[historyKey{address, *txHash}] -= satoshis
			}
		}

		for vout, output := range btx.Outputs {
			address := addressForOutput(output)
			outpoint := model.NewOutPoint(txHash, uint32(vout)) //nolint:gosec

			if _, err = tx.ExecContext(ctx, `
				INSERT INTO utxos (tx_hash, vout, address, satoshis, height)
				VALUES ($1, $2, $3, $4, $5)
			`, txHash[:], vout, address, int64(output.Satoshis), block.Height); err != nil { //nolint:gosec
				return errors.NewStorageError("utxoindex: insert utxo %s", outpoint, err)
			}

			undo.Created = append(undo.Created, outpoint)
			undo.Balances[address] += int64(output.Satoshis)              //nolint:gosec
			historyDeltas[historyKey{address, *txHash}] += int64(output.Satoshis) //nolint:gosec
		}
	}

	for address, delta := range undo.Balances {
		if err = s.applyBalanceDelta(ctx, tx, address, delta); err != nil {
			return err
		}
	}

	for key, delta := range historyDeltas {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO history (address, height, tx_hash, delta)
			VALUES ($1, $2, $3, $4)
		`, key.address, block.Height, key.txHash[:], delta); err != nil {
			return errors.NewStorageError("utxoindex: insert history for %s", key.address, err)
		}
	}

	undoBytes, err := json.Marshal(undo)
	if err != nil {
		return errors.NewProcessingError("utxoindex: marshal undo for %d", block.Height, err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO undo (height, data) VALUES ($1, $2)
	`, block.Height, undoBytes); err != nil {
		return errors.NewStorageError("utxoindex: insert undo for %d", block.Height, err)
	}

	if err = tx.Commit(); err != nil {
		return errors.NewStorageError("utxoindex: commit apply %d", block.Height, err)
	}

	return nil
}

func (s *SQL) applyBalanceDelta(ctx context.Context, tx *dbsql.Tx, address string, delta int64) error {
	var q string

	if s.engine == util.Postgres {
		q = `
			INSERT INTO balances (address, balance) VALUES ($1, $2)
			ON CONFLICT (address) DO UPDATE SET balance = balances.balance + EXCLUDED.balance
		`
	} else {
		q = `
			INSERT INTO balances (address, balance) VALUES ($1, $2)
			ON CONFLICT (address) DO UPDATE SET balance = balance + excluded.balance
		`
	}

	if _, err := tx.ExecContext(ctx, q, address, delta); err != nil {
		return errors.NewStorageError("utxoindex: update balance for %s", address, err)
	}

	return nil
}

// addressForOutput strips any claim prefix before deriving the index key.
func addressForOutput(output *bt.Output) string {
	_, payScript, err := model.ParseClaimScript(output.LockingScript)
	if err != nil || payScript == nil {
		return model.AddressForScript(output.LockingScript)
	}

	return model.AddressForScript(payScript)
}
