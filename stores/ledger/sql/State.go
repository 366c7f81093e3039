package sql

import (
	"context"
	"database/sql"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/util"
)

func (s *SQL) GetState(ctx context.Context, key string) ([]byte, error) {
	var data []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM state WHERE key = $1
	`, key).Scan(&data)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("state key %q", key)
		}

		return nil, errors.NewStorageError("ledger: get state %q", key, err)
	}

	return data, nil
}

func (s *SQL) SetState(ctx context.Context, key string, data []byte) error {
	q := `
		INSERT INTO state (key, data) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET data = $2, updated_at = CURRENT_TIMESTAMP
	`
	if s.engine == util.Postgres {
		q = `
			INSERT INTO state (key, data) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = CURRENT_TIMESTAMP
		`
	}

	if _, err := s.db.ExecContext(ctx, q, key, data); err != nil {
		return errors.NewStorageError("ledger: set state %q", key, err)
	}

	return nil
}
