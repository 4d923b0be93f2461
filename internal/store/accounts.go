package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vantagehub/dispatchcore/internal/auth"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("store: not found")

// GetAvailableAntigravity returns enabled, non-reauth accounts visible to
// user, filtered by the shared flag when sharedOnly is non-nil (§4.2).
func (s *Store) GetAvailableAntigravity(ctx context.Context, userID string, sharedOnly *bool) ([]*auth.AntigravityAccount, error) {
	query := `
		SELECT id, user_id, shared, access_token, refresh_token, expires_at, status,
		       needs_reauth, email, project_id, is_restricted, ineligible, paid_tier,
		       created_at, updated_at
		FROM antigravity_accounts
		WHERE status = 'enabled' AND needs_reauth = FALSE
		  AND (shared = TRUE OR user_id = $1)`
	args := []any{userID}
	if sharedOnly != nil {
		query += " AND shared = $2"
		args = append(args, *sharedOnly)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query antigravity accounts: %w", err)
	}
	defer rows.Close()

	var out []*auth.AntigravityAccount
	for rows.Next() {
		a := &auth.AntigravityAccount{}
		var status string
		var email sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.Shared, &a.AccessToken, &a.RefreshToken,
			&a.ExpiresAt, &status, &a.NeedsReauth, &email, &a.ProjectID,
			&a.IsRestricted, &a.Ineligible, &a.PaidTier, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan antigravity account: %w", err)
		}
		a.Status = auth.Status(status)
		a.Email = email.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAntigravityByID fetches a single account row.
func (s *Store) GetAntigravityByID(ctx context.Context, id string) (*auth.AntigravityAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, shared, access_token, refresh_token, expires_at, status,
		       needs_reauth, COALESCE(email, ''), project_id, is_restricted, ineligible, paid_tier,
		       created_at, updated_at
		FROM antigravity_accounts WHERE id = $1`, id)
	a := &auth.AntigravityAccount{}
	var status string
	if err := row.Scan(&a.ID, &a.UserID, &a.Shared, &a.AccessToken, &a.RefreshToken,
		&a.ExpiresAt, &status, &a.NeedsReauth, &a.Email, &a.ProjectID,
		&a.IsRestricted, &a.Ineligible, &a.PaidTier, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan antigravity account: %w", err)
	}
	a.Status = auth.Status(status)
	return a, nil
}

// UpdateAntigravityToken persists a refreshed token atomically.
func (s *Store) UpdateAntigravityToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE antigravity_accounts
		SET access_token = $2, refresh_token = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $1`, id, accessToken, refreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("store: update antigravity token: %w", err)
	}
	return nil
}

// UpdateAccountStatus sets the enabled/disabled lifecycle status for any provider table.
func (s *Store) UpdateAccountStatus(ctx context.Context, provider auth.Provider, id string, status auth.Status) error {
	table, err := accountTable(provider)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = $2, updated_at = NOW() WHERE id = $1`, table), id, status)
	if err != nil {
		return fmt.Errorf("store: update %s status: %w", provider, err)
	}
	return nil
}

// MarkNeedsReauth flags an account as awaiting re-authentication (soft failure, §4.1).
func (s *Store) MarkNeedsReauth(ctx context.Context, provider auth.Provider, id string) error {
	table, err := accountTable(provider)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET needs_reauth = TRUE, updated_at = NOW() WHERE id = $1`, table), id)
	if err != nil {
		return fmt.Errorf("store: mark %s needs-reauth: %w", provider, err)
	}
	return nil
}

// UpdateProjectIDs persists Antigravity's minted project-id and its gating flags (§4.5).
func (s *Store) UpdateProjectIDs(ctx context.Context, cookieID, projectID string, isRestricted, ineligible, paidTier bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE antigravity_accounts
		SET project_id = $2, is_restricted = $3, ineligible = $4, paid_tier = $5, updated_at = NOW()
		WHERE id = $1`, cookieID, projectID, isRestricted, ineligible, paidTier)
	if err != nil {
		return fmt.Errorf("store: update antigravity project ids: %w", err)
	}
	return nil
}

func accountTable(provider auth.Provider) (string, error) {
	switch provider {
	case auth.ProviderAntigravity:
		return "antigravity_accounts", nil
	case auth.ProviderKiro:
		return "kiro_accounts", nil
	case auth.ProviderQwen:
		return "qwen_accounts", nil
	default:
		return "", fmt.Errorf("store: unknown provider %q", provider)
	}
}

// GetAvailableKiro returns enabled, non-reauth Kiro accounts visible to user.
func (s *Store) GetAvailableKiro(ctx context.Context, userID string, sharedOnly *bool) ([]*auth.KiroAccount, error) {
	query := `
		SELECT id, user_id, shared, auth_method, access_token, refresh_token, expires_at, status,
		       needs_reauth, client_id, client_secret, profile_arn, machine_id, region,
		       subscription, current_usage, usage_limit, bonus_usage, bonus_limit, bonus_available,
		       created_at, updated_at
		FROM kiro_accounts
		WHERE status = 'enabled' AND needs_reauth = FALSE
		  AND (shared = TRUE OR user_id = $1)`
	args := []any{userID}
	if sharedOnly != nil {
		query += " AND shared = $2"
		args = append(args, *sharedOnly)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query kiro accounts: %w", err)
	}
	defer rows.Close()

	var out []*auth.KiroAccount
	for rows.Next() {
		k := &auth.KiroAccount{}
		var status, authMethod string
		if err := rows.Scan(&k.ID, &k.UserID, &k.Shared, &authMethod, &k.AccessToken, &k.RefreshToken,
			&k.ExpiresAt, &status, &k.NeedsReauth, &k.ClientID, &k.ClientSecret, &k.ProfileARN,
			&k.MachineID, &k.Region, &k.Subscription, &k.CurrentUsage, &k.UsageLimit,
			&k.BonusUsage, &k.BonusLimit, &k.BonusAvailable, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan kiro account: %w", err)
		}
		k.Status = auth.Status(status)
		k.AuthMethod = auth.KiroAuthMethod(authMethod)
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpdateKiroToken persists a refreshed Kiro token atomically.
func (s *Store) UpdateKiroToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time, profileARN string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE kiro_accounts
		SET access_token = $2, refresh_token = $3, expires_at = $4,
		    profile_arn = COALESCE(NULLIF($5, ''), profile_arn), updated_at = NOW()
		WHERE id = $1`, id, accessToken, refreshToken, expiresAt, profileARN)
	if err != nil {
		return fmt.Errorf("store: update kiro token: %w", err)
	}
	return nil
}

// KiroUsageUpdate captures the fields a models/usage refresh may update (§4.2).
type KiroUsageUpdate struct {
	Subscription    string
	CurrentUsage    float64
	ResetDate       time.Time
	UsageLimit      float64
	FreeTrialStatus string
	FreeTrialUsage  float64
	FreeTrialExpiry time.Time
	FreeTrialLimit  float64
	BonusUsage      float64
	BonusLimit      float64
	BonusAvailable  bool
	BonusDetails    string
}

// UpdateKiroUsage persists the latest subscription/usage snapshot for an account.
func (s *Store) UpdateKiroUsage(ctx context.Context, id string, u KiroUsageUpdate) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE kiro_accounts
		SET subscription = $2, current_usage = $3, reset_date = $4, usage_limit = $5,
		    free_trial_status = $6, free_trial_usage = $7, free_trial_expiry = $8, free_trial_limit = $9,
		    bonus_usage = $10, bonus_limit = $11, bonus_available = $12, bonus_details = $13,
		    updated_at = NOW()
		WHERE id = $1`, id, u.Subscription, u.CurrentUsage, u.ResetDate, u.UsageLimit,
		u.FreeTrialStatus, u.FreeTrialUsage, u.FreeTrialExpiry, u.FreeTrialLimit,
		u.BonusUsage, u.BonusLimit, u.BonusAvailable, u.BonusDetails)
	if err != nil {
		return fmt.Errorf("store: update kiro usage: %w", err)
	}
	return nil
}

// GetAvailableQwen returns enabled, non-reauth Qwen accounts visible to user.
func (s *Store) GetAvailableQwen(ctx context.Context, userID string, sharedOnly *bool) ([]*auth.QwenAccount, error) {
	query := `
		SELECT id, user_id, shared, access_token, refresh_token, expires_at, status,
		       needs_reauth, resource_url, created_at, updated_at
		FROM qwen_accounts
		WHERE status = 'enabled' AND needs_reauth = FALSE
		  AND (shared = TRUE OR user_id = $1)`
	args := []any{userID}
	if sharedOnly != nil {
		query += " AND shared = $2"
		args = append(args, *sharedOnly)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query qwen accounts: %w", err)
	}
	defer rows.Close()

	var out []*auth.QwenAccount
	for rows.Next() {
		q := &auth.QwenAccount{}
		var status string
		if err := rows.Scan(&q.ID, &q.UserID, &q.Shared, &q.AccessToken, &q.RefreshToken,
			&q.ExpiresAt, &status, &q.NeedsReauth, &q.ResourceURL, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan qwen account: %w", err)
		}
		q.Status = auth.Status(status)
		out = append(out, q)
	}
	return out, rows.Err()
}

// UpdateQwenToken persists a refreshed Qwen token, optionally rotating resource_url.
func (s *Store) UpdateQwenToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time, resourceURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE qwen_accounts
		SET access_token = $2, refresh_token = $3, expires_at = $4,
		    resource_url = COALESCE(NULLIF($5, ''), resource_url), updated_at = NOW()
		WHERE id = $1`, id, accessToken, refreshToken, expiresAt, resourceURL)
	if err != nil {
		return fmt.Errorf("store: update qwen token: %w", err)
	}
	return nil
}

// CountEnabledSharedAccounts counts a user's enabled shared accounts across all
// three provider tables, the driver for the shared pool's max-quota formula (§3).
func (s *Store) CountEnabledSharedAccounts(ctx context.Context, userID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM antigravity_accounts WHERE user_id = $1 AND shared = TRUE AND status = 'enabled') +
			(SELECT COUNT(*) FROM kiro_accounts        WHERE user_id = $1 AND shared = TRUE AND status = 'enabled') +
			(SELECT COUNT(*) FROM qwen_accounts         WHERE user_id = $1 AND shared = TRUE AND status = 'enabled')
	`, userID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count shared accounts: %w", err)
	}
	return n, nil
}
