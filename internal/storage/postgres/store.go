package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liquidationScope/internal/model"
)

// Store provides Postgres persistence for liquidation events.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertLiquidations inserts or updates enriched liquidation events,
// keyed by (tx_hash, log_index, sub_event_index).
func (s *Store) UpsertLiquidations(ctx context.Context, chainID uint64, events []model.EnrichedLiquidationEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, event := range events {
		subIndex := -1
		if event.SubEventIndex != nil {
			subIndex = *event.SubEventIndex
		}
		contextJSON, err := json.Marshal(event.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		detailsJSON, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		batch.Queue(`
			INSERT INTO liquidations (
				chain_id, protocol, tx_hash, block_number, log_index, sub_event_index,
				liquidator, borrower, collateral_asset, collateral_seized,
				debt_asset, debt_repaid, details, context, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now(),now())
			ON CONFLICT (chain_id, tx_hash, log_index, sub_event_index)
			DO UPDATE SET
				liquidator = EXCLUDED.liquidator,
				borrower = EXCLUDED.borrower,
				collateral_asset = EXCLUDED.collateral_asset,
				collateral_seized = EXCLUDED.collateral_seized,
				debt_asset = EXCLUDED.debt_asset,
				debt_repaid = EXCLUDED.debt_repaid,
				details = EXCLUDED.details,
				context = EXCLUDED.context,
				updated_at = now()
		`,
			int64(chainID),
			event.Protocol,
			event.TxHash,
			int64(event.BlockNumber),
			int64(event.LogIndex),
			subIndex,
			event.Liquidator,
			event.User,
			event.CollateralSeized.Token,
			event.CollateralSeized.Amount,
			event.DebtRepaid.Token,
			event.DebtRepaid.Amount,
			detailsJSON,
			contextJSON,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// InsertScanErrors records scan errors for later inspection.
func (s *Store) InsertScanErrors(ctx context.Context, chainID uint64, scanErrors []model.ScanError) error {
	if len(scanErrors) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, scanErr := range scanErrors {
		batch.Queue(`
			INSERT INTO scan_errors (chain_id, protocol, tx_hash, block_number, stage, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
		`,
			int64(chainID),
			scanErr.Protocol,
			scanErr.TxHash,
			int64(scanErr.BlockNumber),
			scanErr.Stage,
			scanErr.Error,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range scanErrors {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// LoadState returns the last scanned block for a named scan.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var block uint64
	row := s.pool.QueryRow(ctx, `SELECT last_scanned_block FROM scanner_state WHERE name=$1`, name)
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return block, true, nil
}

// SaveState upserts the last scanned block for a named scan.
func (s *Store) SaveState(ctx context.Context, name string, block uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scanner_state (name, last_scanned_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_scanned_block = EXCLUDED.last_scanned_block, updated_at = now()
	`, name, block)
	return err
}
