package store

import (
	"database/sql"
	"fmt"
)

// OAuthToken is the persisted agent credential. One row per user_id; the
// global token uses an empty user_id, and today that is the only row
// ever written.
type OAuthToken struct {
	ID               int64
	UserID           string // "" = global token
	AccessToken      string
	RefreshToken     string
	ExpiresAt        int64 // unix ms
	Scopes           string
	SubscriptionTier string
	CreatedAt        int64 // unix ms
	UpdatedAt        int64 // unix ms
}

const oauthColumns = `id, user_id, access_token, refresh_token, expires_at, scopes, subscription_tier, created_at, updated_at`

// GetOAuthToken retrieves the token row for a user ("" = global).
// Returns (nil, nil) when no row exists.
func (s *Store) GetOAuthToken(userID string) (*OAuthToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, err := scanOAuthToken(s.db.QueryRow(
		`SELECT `+oauthColumns+` FROM oauth_tokens WHERE COALESCE(user_id, '') = ?`, userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oauth token: %w", err)
	}
	return tok, nil
}

// UpsertOAuthToken inserts or replaces the token row for a user. The unique
// index on COALESCE(user_id, '') keeps the row singleton per user.
func (s *Store) UpsertOAuthToken(tok *OAuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMillis()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin token upsert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE oauth_tokens
		 SET access_token = ?, refresh_token = ?, expires_at = ?, scopes = ?, subscription_tier = ?, updated_at = ?
		 WHERE COALESCE(user_id, '') = ?`,
		tok.AccessToken, tok.RefreshToken, tok.ExpiresAt, tok.Scopes, tok.SubscriptionTier, now, tok.UserID,
	)
	if err != nil {
		return fmt.Errorf("failed to update oauth token: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := tx.Exec(
			`INSERT INTO oauth_tokens (user_id, access_token, refresh_token, expires_at, scopes, subscription_tier, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			nullString(tok.UserID), tok.AccessToken, tok.RefreshToken, tok.ExpiresAt, tok.Scopes, tok.SubscriptionTier, now, now,
		); err != nil {
			return fmt.Errorf("failed to insert oauth token: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit token upsert: %w", err)
	}
	return nil
}

func scanOAuthToken(row rowScanner) (*OAuthToken, error) {
	tok := &OAuthToken{}
	var userID sql.NullString

	err := row.Scan(
		&tok.ID, &userID, &tok.AccessToken, &tok.RefreshToken,
		&tok.ExpiresAt, &tok.Scopes, &tok.SubscriptionTier,
		&tok.CreatedAt, &tok.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tok.UserID = userID.String
	return tok, nil
}
