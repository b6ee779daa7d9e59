package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/fund-engine/internal/model"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS engine_state (
	id             SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	version        BIGINT      NOT NULL,
	schema_version INTEGER     NOT NULL,
	data           JSONB       NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS engine_events (
	id      UUID PRIMARY KEY,
	seq     BIGSERIAL,
	version BIGINT      NOT NULL,
	kind    TEXT        NOT NULL,
	asset   TEXT        NOT NULL DEFAULT '',
	user_id TEXT        NOT NULL DEFAULT '',
	amount  NUMERIC(78, 0),
	detail  TEXT        NOT NULL DEFAULT '',
	at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS engine_events_kind_idx ON engine_events (kind, seq);
CREATE INDEX IF NOT EXISTS engine_events_user_idx ON engine_events (user_id, seq);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// The state is one JSONB row; events are rows with NUMERIC amounts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) LoadState(ctx context.Context) (*model.State, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM engine_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return model.DecodeState(data)
}

func (s *PostgresStore) SaveState(ctx context.Context, state *model.State, events []model.Event) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var tag pgconn.CommandTag
	if state.Version == 1 {
		tag, err = tx.Exec(ctx,
			`INSERT INTO engine_state (id, version, schema_version, data)
			 VALUES (1, $1, $2, $3)
			 ON CONFLICT (id) DO NOTHING`,
			state.Version, state.SchemaVersion, data)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE engine_state
			 SET version = $1, schema_version = $2, data = $3, updated_at = now()
			 WHERE id = 1 AND version = $4`,
			state.Version, state.SchemaVersion, data, state.Version-1)
	}
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: saving %d", ErrVersionConflict, state.Version)
	}

	for _, e := range events {
		var amount *string
		if e.Amount != nil {
			dec := decimal.NewFromBigInt(e.Amount.ToBig(), 0).String()
			amount = &dec
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO engine_events (id, version, kind, asset, user_id, amount, detail, at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
			e.ID, state.Version, string(e.Kind), string(e.Asset), e.User, amount, e.Detail, e.At,
		); err != nil {
			return fmt.Errorf("append event %s: %w", e.Kind, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListEvents(ctx context.Context, kind model.EventKind, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, kind, asset, user_id, amount::TEXT, detail, at
		 FROM engine_events
		 WHERE $1 = '' OR kind = $1
		 ORDER BY seq DESC
		 LIMIT NULLIF($2, 0)`, string(kind), max(limit, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) ListUserEvents(ctx context.Context, user string, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, kind, asset, user_id, amount::TEXT, detail, at
		 FROM engine_events
		 WHERE user_id = $1
		 ORDER BY seq DESC
		 LIMIT NULLIF($2, 0)`, user, max(limit, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// pgxRows is the subset of pgx.Rows read by scanEvents.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	events := []model.Event{}
	for rows.Next() {
		var e model.Event
		var kind, asset string
		var amountS *string

		if err := rows.Scan(&e.ID, &kind, &asset, &e.User, &amountS, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		e.Kind = model.EventKind(kind)
		e.Asset = model.AssetID(asset)

		if amountS != nil {
			d, err := decimal.NewFromString(*amountS)
			if err != nil {
				return nil, fmt.Errorf("event %s amount: %w", e.ID, err)
			}
			amount, overflow := uint256.FromBig(d.BigInt())
			if overflow {
				return nil, fmt.Errorf("event %s amount overflows 256 bits", e.ID)
			}
			e.Amount = amount
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
