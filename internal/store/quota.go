package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QuotaCache is the cached per-(account, model) remaining quota fraction (§4.3).
type QuotaCache struct {
	AccountID     string
	ModelName     string
	Remaining     float64
	ResetTime     time.Time
	Available     bool
	LastFetchedAt time.Time
}

// GetQuota returns the cached quota fraction for (account, model), if present.
func (s *Store) GetQuota(ctx context.Context, accountID, modelName string) (*QuotaCache, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, model_name, remaining, reset_time, available, last_fetched_at
		FROM model_quota WHERE account_id = $1 AND model_name = $2`, accountID, modelName)
	q := &QuotaCache{}
	var resetTime sql.NullTime
	if err := row.Scan(&q.AccountID, &q.ModelName, &q.Remaining, &resetTime, &q.Available, &q.LastFetchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get quota: %w", err)
	}
	q.ResetTime = resetTime.Time
	return q, nil
}

// UpsertQuota records a fresh quota fraction for (account, model), as reported
// by an upstream models-list call. Used for every model the call returns.
func (s *Store) UpsertQuota(ctx context.Context, accountID, modelName string, remaining float64, resetTime time.Time, available bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_quota (account_id, model_name, remaining, reset_time, available, last_fetched_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (account_id, model_name) DO UPDATE
		SET remaining = EXCLUDED.remaining, reset_time = EXCLUDED.reset_time,
		    available = EXCLUDED.available, last_fetched_at = NOW()`,
		accountID, modelName, remaining, nullTime(resetTime), available)
	if err != nil {
		return fmt.Errorf("store: upsert quota: %w", err)
	}
	return nil
}

// consumedAmount is the pure arithmetic behind RecordConsumption's consumed
// column: usage only ever decreases a quota fraction, so a negative delta
// (a refresh racing ahead of the request that reported it, say) floors at
// zero rather than recording negative consumption.
func consumedAmount(before, after float64) float64 {
	return floorAtZero(before - after)
}

func floorAtZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// GetSharedPool returns the user's shared-pool balance for a model group.
func (s *Store) GetSharedPool(ctx context.Context, userID, modelGroup string) (quota, maxQuota float64, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT quota, max_quota FROM user_shared_pool WHERE user_id = $1 AND model_group = $2`, userID, modelGroup)
	if err = row.Scan(&quota, &maxQuota); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("store: get shared pool: %w", err)
	}
	return quota, maxQuota, nil
}

// RecomputeSharedPoolMax recomputes max_quota as SharedPoolMultiplier × the
// user's enabled shared account count (§3 invariant), run after any account
// shared-flag or status change.
func (s *Store) RecomputeSharedPoolMax(ctx context.Context, userID, modelGroup string, multiplier float64) error {
	n, err := s.CountEnabledSharedAccounts(ctx, userID)
	if err != nil {
		return err
	}
	maxQuota := multiplier * float64(n)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_shared_pool (user_id, model_group, quota, max_quota, last_recovered_at)
		VALUES ($1, $2, 0, $3, NOW())
		ON CONFLICT (user_id, model_group) DO UPDATE
		SET max_quota = EXCLUDED.max_quota`, userID, modelGroup, maxQuota)
	if err != nil {
		return fmt.Errorf("store: recompute shared pool max: %w", err)
	}
	return nil
}

// ConsumptionRecord is one append-only row of the Consumption Log (§3).
type ConsumptionRecord struct {
	UserID      string
	AccountID   string
	ModelName   string
	QuotaBefore float64
	QuotaAfter  float64
	Shared      bool
}

// RecordConsumption appends one consumption-log row and, for shared accounts,
// decrements the user's shared pool for the model's quota group within a
// single transaction (§9 design note: resolves the record-then-decrement
// Open Question in favor of atomicity). The pool never drops below zero.
func (s *Store) RecordConsumption(ctx context.Context, rec ConsumptionRecord, modelGroup string) (consumed float64, err error) {
	consumed = consumedAmount(rec.QuotaBefore, rec.QuotaAfter)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin consumption tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO consumption_log (id, user_id, account_id, model_name, quota_before, quota_after, consumed, shared, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		id, rec.UserID, rec.AccountID, rec.ModelName, rec.QuotaBefore, rec.QuotaAfter, consumed, rec.Shared)
	if err != nil {
		return 0, fmt.Errorf("store: insert consumption row: %w", err)
	}

	if rec.Shared && consumed > 0 {
		// Row-level lock preserves the >= 0 invariant under concurrent shared-account use (§5).
		var current float64
		row := tx.QueryRowContext(ctx, `
			SELECT quota FROM user_shared_pool WHERE user_id = $1 AND model_group = $2 FOR UPDATE`,
			rec.UserID, modelGroup)
		if scanErr := row.Scan(&current); scanErr != nil {
			if !errors.Is(scanErr, sql.ErrNoRows) {
				err = fmt.Errorf("store: lock shared pool: %w", scanErr)
				return 0, err
			}
			current = 0
		}
		next := floorAtZero(current - consumed)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_shared_pool (user_id, model_group, quota, max_quota)
			VALUES ($1, $2, $3, 0)
			ON CONFLICT (user_id, model_group) DO UPDATE SET quota = EXCLUDED.quota`,
			rec.UserID, modelGroup, next)
		if err != nil {
			return 0, fmt.Errorf("store: decrement shared pool: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit consumption tx: %w", err)
	}
	return consumed, nil
}
