package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ernie/tapledger/internal/domain"
)

const accountColumns = `id, display_name, balance, cumulative_earned, cumulative_spent,
	energy, damage_tier, capacity_tier, recovery_tier, player_rank, referral_count,
	referrer_id, earnings_credited_to_referrer, pending_energy_credit, session_token,
	banned, last_sync_at, created_at, version`

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- Account methods ---

// GetAccount loads an account and its completed tasks
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return s.getAccount(ctx, s.db, id)
}

func (s *Store) getAccount(ctx context.Context, db queryer, id string) (*domain.Account, error) {
	row := db.QueryRowContext(ctx, s.q(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading account %s: %w", id, err)
	}

	rows, err := db.QueryContext(ctx, s.q(`
		SELECT task_id FROM account_tasks WHERE account_id = ? ORDER BY completed_at, task_id
	`), id)
	if err != nil {
		return nil, fmt.Errorf("loading tasks for %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, err
		}
		acct.CompletedTasks = append(acct.CompletedTasks, taskID)
	}
	return acct, rows.Err()
}

// CreateAccount inserts a new account. It returns created=false without
// touching anything when the id already exists. When acct.ReferrerID is set
// the referrer's referral count and pending energy credit are bumped in the
// same transaction; a missing or banned referrer leaves the new account
// unlinked and clears acct.ReferrerID.
func (s *Store) CreateAccount(ctx context.Context, acct *domain.Account, referralBonus int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if acct.Version == 0 {
		acct.Version = 1
	}
	result, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO accounts (id, display_name, balance, cumulative_earned, cumulative_spent,
			energy, damage_tier, capacity_tier, recovery_tier, player_rank, referral_count,
			referrer_id, earnings_credited_to_referrer, pending_energy_credit, session_token,
			banned, last_sync_at, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), acct.ID, acct.DisplayName, acct.Balance, acct.CumulativeEarned, acct.CumulativeSpent,
		acct.Energy, acct.Tiers.Damage, acct.Tiers.Capacity, acct.Tiers.Recovery, acct.Rank, acct.ReferralCount,
		nullString(acct.ReferrerID), acct.EarningsCreditedToReferrer, acct.PendingEnergyCredit, acct.SessionToken,
		acct.Banned, toMillis(acct.LastSyncAt), toMillis(acct.CreatedAt), acct.Version)
	if err != nil {
		return false, fmt.Errorf("inserting account: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}

	if acct.ReferrerID != "" {
		result, err := tx.ExecContext(ctx, s.q(`
			UPDATE accounts
			SET referral_count = referral_count + 1,
				pending_energy_credit = pending_energy_credit + ?,
				version = version + 1
			WHERE id = ? AND id <> ? AND banned = FALSE
		`), referralBonus, acct.ReferrerID, acct.ID)
		if err != nil {
			return false, fmt.Errorf("linking referrer: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx, s.q(`UPDATE accounts SET referrer_id = NULL WHERE id = ?`), acct.ID); err != nil {
				return false, fmt.Errorf("clearing referrer: %w", err)
			}
			acct.ReferrerID = ""
		}
	}

	if err := s.insertTasks(ctx, tx, acct); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return true, nil
}

// CommitAccount writes every player-mutable field of acct if the stored
// version still equals expectedVersion, then sets acct.Version to the new
// version. A non-nil credit is paid to the referrer in the same
// transaction and recorded so it can never be applied twice.
func (s *Store) CommitAccount(ctx context.Context, acct *domain.Account, expectedVersion int64, credit *domain.ReferralCredit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, s.q(`
		UPDATE accounts SET
			display_name = ?,
			balance = ?,
			cumulative_earned = ?,
			cumulative_spent = ?,
			energy = ?,
			damage_tier = ?,
			capacity_tier = ?,
			recovery_tier = ?,
			player_rank = ?,
			earnings_credited_to_referrer = ?,
			pending_energy_credit = ?,
			session_token = ?,
			last_sync_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`), acct.DisplayName, acct.Balance, acct.CumulativeEarned, acct.CumulativeSpent,
		acct.Energy, acct.Tiers.Damage, acct.Tiers.Capacity, acct.Tiers.Recovery, acct.Rank,
		acct.EarningsCreditedToReferrer, acct.PendingEnergyCredit, acct.SessionToken,
		toMillis(acct.LastSyncAt), acct.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("updating account: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.missOrConflict(ctx, tx, acct.ID)
	}

	if err := s.insertTasks(ctx, tx, acct); err != nil {
		return err
	}

	if credit != nil {
		if err := s.payCredit(ctx, tx, credit); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	acct.Version = expectedVersion + 1
	return nil
}

func (s *Store) payCredit(ctx context.Context, tx *sql.Tx, credit *domain.ReferralCredit) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO referral_credits (invitee_id, invitee_version, referrer_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), credit.InviteeID, credit.InviteeVersion, credit.ReferrerID, credit.Amount, toMillis(credit.CreatedAt))
	if isUniqueViolation(err) {
		return domain.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("recording referral credit: %w", err)
	}

	cumulative := 0.0
	if credit.CreditCumulative {
		cumulative = credit.Amount
	}
	result, err := tx.ExecContext(ctx, s.q(`
		UPDATE accounts
		SET balance = balance + ?,
			cumulative_earned = cumulative_earned + ?,
			version = version + 1
		WHERE id = ? AND banned = FALSE
	`), credit.Amount, cumulative, credit.ReferrerID)
	if err != nil {
		return fmt.Errorf("crediting referrer: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrReferrerUnavailable
	}
	return nil
}

func (s *Store) insertTasks(ctx context.Context, tx *sql.Tx, acct *domain.Account) error {
	for _, taskID := range acct.CompletedTasks {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO account_tasks (account_id, task_id, completed_at)
			VALUES (?, ?, ?)
			ON CONFLICT (account_id, task_id) DO NOTHING
		`), acct.ID, taskID, toMillis(time.Now()))
		if err != nil {
			return fmt.Errorf("recording task %s: %w", taskID, err)
		}
	}
	return nil
}

// missOrConflict explains a versioned update that touched no rows
func (s *Store) missOrConflict(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM accounts WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrVersionConflict
}

// --- Administrative methods ---

// AdjustBalance adds delta to an account's balance outside reconciliation
func (s *Store) AdjustBalance(ctx context.Context, id string, delta float64) (*domain.Account, error) {
	return s.adminUpdate(ctx, id, `balance = balance + ?`, delta)
}

// SetBalance overwrites an account's balance outside reconciliation
func (s *Store) SetBalance(ctx context.Context, id string, balance float64) (*domain.Account, error) {
	return s.adminUpdate(ctx, id, `balance = ?`, balance)
}

// SetBanned sets or clears the banned flag
func (s *Store) SetBanned(ctx context.Context, id string, banned bool) (*domain.Account, error) {
	return s.adminUpdate(ctx, id, `banned = ?`, banned)
}

func (s *Store) adminUpdate(ctx context.Context, id, set string, arg any) (*domain.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, s.q(`UPDATE accounts SET `+set+`, version = version + 1 WHERE id = ?`), arg, id)
	if err != nil {
		return nil, fmt.Errorf("updating account: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, domain.ErrAccountNotFound
	}
	acct, err := s.getAccount(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return acct, nil
}

// DeleteAccount removes an account with its task history and referral
// credits, and takes it off its referrer's referral count. Invitees keep
// their referrer_id; settlement against a missing referrer is skipped.
// The referrer keeps any pending energy credit the link granted.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var referrerID sql.NullString
	err = tx.QueryRowContext(ctx, s.q(`SELECT referrer_id FROM accounts WHERE id = ?`), id).Scan(&referrerID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("reading account: %w", err)
	}

	// A re-created id starts again at version 1, so its old credit keys must go
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM referral_credits WHERE invitee_id = ? OR referrer_id = ?`), id, id); err != nil {
		return fmt.Errorf("deleting referral credits: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM account_tasks WHERE account_id = ?`), id); err != nil {
		return fmt.Errorf("deleting tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM accounts WHERE id = ?`), id); err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}

	if referrerID.Valid && referrerID.String != id {
		_, err := tx.ExecContext(ctx, s.q(`
			UPDATE accounts
			SET referral_count = referral_count - 1,
				version = version + 1
			WHERE id = ? AND referral_count > 0
		`), referrerID.String)
		if err != nil {
			return fmt.Errorf("unlinking referrer: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListAccounts returns accounts ordered by most recent sync, plus the total
func (s *Store) ListAccounts(ctx context.Context, limit, offset int) ([]domain.Account, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+accountColumns+` FROM accounts
		ORDER BY last_sync_at DESC, id
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	accounts := []domain.Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, total, rows.Err()
}

// ListInvitees returns the accounts that name referrerID as their inviter
func (s *Store) ListInvitees(ctx context.Context, referrerID string) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+accountColumns+` FROM accounts WHERE referrer_id = ? ORDER BY created_at
	`), referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invitees := []domain.Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		invitees = append(invitees, *acct)
	}
	return invitees, rows.Err()
}

// ListReferralCredits returns the most recent commissions paid to referrerID
func (s *Store) ListReferralCredits(ctx context.Context, referrerID string, limit int) ([]domain.ReferralCredit, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT invitee_id, invitee_version, referrer_id, amount, created_at
		FROM referral_credits WHERE referrer_id = ?
		ORDER BY created_at DESC, invitee_id
		LIMIT ?
	`), referrerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	credits := []domain.ReferralCredit{}
	for rows.Next() {
		credit, err := scanReferralCredit(rows)
		if err != nil {
			return nil, err
		}
		credits = append(credits, *credit)
	}
	return credits, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
