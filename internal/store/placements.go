package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/gebo/internal/apperr"
)

// Placement states.
const (
	PlacementMatched   = "matched"
	PlacementConfirmed = "confirmed"
	PlacementVerified  = "verified"
	PlacementFailed    = "failed"
)

// Placement is a matched, trackable link-exchange instance between one
// contribution and one request. FromDomain hosts the link, ToDomain receives it.
type Placement struct {
	ID                     string     `json:"id"`
	ContributionID         string     `json:"contribution_id"`
	RequestID              string     `json:"request_id"`
	FromDomain             string     `json:"from_domain"`
	ToDomain               string     `json:"to_domain"`
	RelevanceScore         float64    `json:"relevance_score"`
	State                  string     `json:"state"`
	CreatedAt              time.Time  `json:"created_at"`
	ConfirmedAt            *time.Time `json:"confirmed_at,omitempty"`
	VerifiedAt             *time.Time `json:"verified_at,omitempty"`
	ReciprocalBlockedUntil *time.Time `json:"reciprocal_blocked_until,omitempty"`
}

// ExecuteMatch commits a match in one transaction: consume the contribution
// slot, flip the request to matched, insert the placement, and grant the
// contributor an optimistic +1 credit. Returns apperr.ErrRaceLost when the
// slot was consumed concurrently (caller retries the next candidate) and
// apperr.ErrInvalidState when the request is no longer pending (another match
// attempt won; caller stops).
func (s *Store) ExecuteMatch(p Placement, contributorID string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(`
		UPDATE contributions SET links_used = links_used + 1
		WHERE id = ? AND links_used < max_links`, p.ContributionID)
	if err != nil {
		return fmt.Errorf("store: consume slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrRaceLost
	}

	res, err = tx.Exec(`
		UPDATE requests SET status = ? WHERE id = ? AND status = ?`,
		RequestMatched, p.RequestID, RequestPending)
	if err != nil {
		return fmt.Errorf("store: mark request matched: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrInvalidState
	}

	_, err = tx.Exec(`
		INSERT INTO placements (id, contribution_id, request_id, from_domain, to_domain, relevance_score, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ContributionID, p.RequestID, p.FromDomain, p.ToDomain, p.RelevanceScore, PlacementMatched, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert placement: %w", err)
	}

	if _, err := applyLedgerTx(tx, contributorID, 1, ReasonMatchConsumed, &p.ID, &p.ContributionID, p.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// GetPlacement returns a placement by id, or apperr.ErrNotFound.
func (s *Store) GetPlacement(id string) (*Placement, error) {
	row := s.conn.QueryRow(`
		SELECT id, contribution_id, request_id, from_domain, to_domain, relevance_score, state,
		       created_at, confirmed_at, verified_at, reciprocal_blocked_until
		FROM placements WHERE id = ?`, id)
	return scanPlacement(row)
}

// ConfirmPlacement transitions matched → confirmed and stamps confirmed_at.
// Returns apperr.ErrInvalidState when the placement is not in matched state.
func (s *Store) ConfirmPlacement(id string, now time.Time) error {
	res, err := s.conn.Exec(`
		UPDATE placements SET state = ?, confirmed_at = ?
		WHERE id = ? AND state = ?`, PlacementConfirmed, now, id, PlacementMatched)
	if err != nil {
		return fmt.Errorf("store: confirm placement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetPlacement(id); err != nil {
			return err
		}
		return apperr.ErrInvalidState
	}
	return nil
}

// VerifyPlacement transitions confirmed → verified, stamps verified_at, and
// sets the reciprocal cooldown for the domain pair. The contributor's
// optimistic credit from the match stands; verification finalizes it.
func (s *Store) VerifyPlacement(id string, now, blockedUntil time.Time) error {
	res, err := s.conn.Exec(`
		UPDATE placements SET state = ?, verified_at = ?, reciprocal_blocked_until = ?
		WHERE id = ? AND state = ?`, PlacementVerified, now, blockedUntil, id, PlacementConfirmed)
	if err != nil {
		return fmt.Errorf("store: verify placement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetPlacement(id); err != nil {
			return err
		}
		return apperr.ErrInvalidState
	}
	return nil
}

// FailPlacement transitions a matched or confirmed placement to failed,
// releases the consumed contribution slot, and reverses the contributor's
// optimistic match credit. Idempotent with respect to already-terminal states
// (returns apperr.ErrInvalidState without side effects).
func (s *Store) FailPlacement(id string, now time.Time) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var contributionID string
	err = tx.QueryRow(`SELECT contribution_id FROM placements WHERE id = ?`, id).Scan(&contributionID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: read placement: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE placements SET state = ?
		WHERE id = ? AND state IN (?, ?)`, PlacementFailed, id, PlacementMatched, PlacementConfirmed)
	if err != nil {
		return fmt.Errorf("store: fail placement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrInvalidState
	}

	_, err = tx.Exec(`
		UPDATE contributions SET links_used = links_used - 1
		WHERE id = ? AND links_used > 0`, contributionID)
	if err != nil {
		return fmt.Errorf("store: release slot: %w", err)
	}

	// Reverse the optimistic match grant. The contribution (and with it the
	// contributing member) may have been deleted since; in that case there is
	// no balance left to unwind.
	var contributorID string
	err = tx.QueryRow(`SELECT member_id FROM contributions WHERE id = ?`, contributionID).Scan(&contributorID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// member-orphaned placement, nothing to reverse
	case err != nil:
		return fmt.Errorf("store: read contributor: %w", err)
	default:
		if _, err := applyLedgerTx(tx, contributorID, -1, ReasonVerificationFailed, &id, &contributionID, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// BlockedPartners returns the domains whose reciprocal cooldown with the
// given domain is still active at now, in either direction. One query serves
// a whole matching pass.
func (s *Store) BlockedPartners(domain string, now time.Time) (map[string]struct{}, error) {
	rows, err := s.conn.Query(`
		SELECT from_domain, to_domain FROM placements
		WHERE state = ? AND reciprocal_blocked_until > ? AND (from_domain = ? OR to_domain = ?)`,
		PlacementVerified, now, domain, domain)
	if err != nil {
		return nil, fmt.Errorf("store: blocked partners: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		if from != domain {
			out[from] = struct{}{}
		}
		if to != domain {
			out[to] = struct{}{}
		}
	}
	return out, rows.Err()
}

// ListPlacements returns placements in the given states, oldest first. An
// empty states slice lists everything.
func (s *Store) ListPlacements(states ...string) ([]Placement, error) {
	q := `
		SELECT id, contribution_id, request_id, from_domain, to_domain, relevance_score, state,
		       created_at, confirmed_at, verified_at, reciprocal_blocked_until
		FROM placements`
	var args []any
	if len(states) > 0 {
		q += ` WHERE state IN (?` + repeatPlaceholder(len(states)-1) + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list placements: %w", err)
	}
	defer rows.Close()

	var out []Placement
	for rows.Next() {
		p, err := scanPlacement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// StalePlacements returns placements in the given state created (for matched)
// or confirmed (for confirmed) before the cutoff. Used by the timeout sweep.
func (s *Store) StalePlacements(state string, cutoff time.Time) ([]Placement, error) {
	col := "created_at"
	if state == PlacementConfirmed {
		col = "confirmed_at"
	}
	rows, err := s.conn.Query(`
		SELECT id, contribution_id, request_id, from_domain, to_domain, relevance_score, state,
		       created_at, confirmed_at, verified_at, reciprocal_blocked_until
		FROM placements WHERE state = ? AND `+col+` < ?
		ORDER BY created_at ASC`, state, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: stale placements: %w", err)
	}
	defer rows.Close()

	var out []Placement
	for rows.Next() {
		p, err := scanPlacement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// PlacementCounts returns how many placements the member's domain has given
// (hosted) and received.
func (s *Store) PlacementCounts(domain string) (given, received int, err error) {
	err = s.conn.QueryRow(`
		SELECT
			count(CASE WHEN from_domain = ? THEN 1 END),
			count(CASE WHEN to_domain = ? THEN 1 END)
		FROM placements WHERE state != ?`, domain, domain, PlacementFailed).Scan(&given, &received)
	if err != nil {
		return 0, 0, fmt.Errorf("store: placement counts: %w", err)
	}
	return given, received, nil
}

// RecentPartners returns domains the given domain exchanged with since the
// cutoff, in either direction. Used as a matcher tie-break away from repeat
// pairings.
func (s *Store) RecentPartners(domain string, since time.Time) (map[string]struct{}, error) {
	rows, err := s.conn.Query(`
		SELECT from_domain, to_domain FROM placements
		WHERE state != ? AND created_at >= ? AND (from_domain = ? OR to_domain = ?)`,
		PlacementFailed, since, domain, domain)
	if err != nil {
		return nil, fmt.Errorf("store: recent partners: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		if from != domain {
			out[from] = struct{}{}
		}
		if to != domain {
			out[to] = struct{}{}
		}
	}
	return out, rows.Err()
}

func scanPlacement(row rowScanner) (*Placement, error) {
	var p Placement
	var confirmed, verified, blocked sql.NullTime
	if err := row.Scan(&p.ID, &p.ContributionID, &p.RequestID, &p.FromDomain, &p.ToDomain,
		&p.RelevanceScore, &p.State, &p.CreatedAt, &confirmed, &verified, &blocked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("store: scan placement: %w", err)
	}
	if confirmed.Valid {
		p.ConfirmedAt = &confirmed.Time
	}
	if verified.Valid {
		p.VerifiedAt = &verified.Time
	}
	if blocked.Valid {
		p.ReciprocalBlockedUntil = &blocked.Time
	}
	return &p, nil
}

func repeatPlaceholder(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}
