package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/gebo/internal/apperr"
)

// Ledger reasons. Every credit mutation must carry one of these; bare balance
// edits do not exist.
const (
	ReasonContributionCreated = "contribution_created"
	ReasonMatchConsumed       = "match_consumed"
	ReasonVerificationFailed  = "verification_failed"
)

// LedgerEntry is one append-only record of a credit mutation.
type LedgerEntry struct {
	ID             int64     `json:"id"`
	MemberID       string    `json:"member_id"`
	PlacementID    *string   `json:"placement_id,omitempty"`
	ContributionID *string   `json:"contribution_id,omitempty"`
	Reason         string    `json:"reason"`
	Amount         int       `json:"amount"`
	BalanceAfter   int       `json:"balance_after"`
	CreatedAt      time.Time `json:"created_at"`
}

func validReason(reason string) bool {
	switch reason {
	case ReasonContributionCreated, ReasonMatchConsumed, ReasonVerificationFailed:
		return true
	}
	return false
}

// Credit atomically adds amount (>0) to the member's balance and appends a
// ledger entry. Returns the new balance.
func (s *Store) Credit(memberID string, amount int, reason string, placementID, contributionID *string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("store: credit amount must be positive: %w", apperr.ErrInvalidReason)
	}
	return s.applyLedger(memberID, amount, reason, placementID, contributionID)
}

// Debit atomically subtracts amount (>0) from the member's balance and appends
// a ledger entry. Returns apperr.ErrInsufficientCredit when the balance would
// go negative.
func (s *Store) Debit(memberID string, amount int, reason string, placementID, contributionID *string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("store: debit amount must be positive: %w", apperr.ErrInvalidReason)
	}
	return s.applyLedger(memberID, -amount, reason, placementID, contributionID)
}

func (s *Store) applyLedger(memberID string, delta int, reason string, placementID, contributionID *string) (int, error) {
	if !validReason(reason) {
		return 0, apperr.ErrInvalidReason
	}
	tx, err := s.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	balance, err := applyLedgerTx(tx, memberID, delta, reason, placementID, contributionID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit ledger: %w", err)
	}
	return balance, nil
}

// applyLedgerTx performs the conditional balance update plus the ledger append
// inside an existing transaction. The balance floor is enforced by the WHERE
// clause, not by a read-modify-write pair.
func applyLedgerTx(tx *sql.Tx, memberID string, delta int, reason string, placementID, contributionID *string, now time.Time) (int, error) {
	res, err := tx.Exec(`
		UPDATE members SET credit_balance = credit_balance + ?
		WHERE id = ? AND credit_balance + ? >= 0
	`, delta, memberID, delta)
	if err != nil {
		return 0, fmt.Errorf("store: update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRow(`SELECT 1 FROM members WHERE id = ?`, memberID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, apperr.ErrNotFound
			}
			return 0, fmt.Errorf("store: check member: %w", err)
		}
		return 0, apperr.ErrInsufficientCredit
	}

	var balance int
	if err := tx.QueryRow(`SELECT credit_balance FROM members WHERE id = ?`, memberID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("store: read balance: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO ledger (member_id, placement_id, contribution_id, reason, amount, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, memberID, placementID, contributionID, reason, delta, balance, now)
	if err != nil {
		return 0, fmt.Errorf("store: append ledger: %w", err)
	}
	return balance, nil
}

// LedgerEntries returns the member's ledger history, newest first.
func (s *Store) LedgerEntries(memberID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(`
		SELECT id, member_id, placement_id, contribution_id, reason, amount, balance_after, created_at
		FROM ledger WHERE member_id = ? ORDER BY id DESC LIMIT ?`, memberID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: ledger entries: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.MemberID, &e.PlacementID, &e.ContributionID, &e.Reason, &e.Amount, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
