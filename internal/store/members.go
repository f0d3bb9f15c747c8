package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/starford/gebo/internal/apperr"
)

// Member is a registered site participating in the exchange network.
type Member struct {
	ID            string     `json:"id"`
	Domain        string     `json:"domain"`
	Email         string     `json:"email"`
	Categories    []string   `json:"categories"`
	Verified      bool       `json:"verified"`
	Authority     *float64   `json:"authority,omitempty"`
	CreditBalance int        `json:"credit_balance"`
	CreatedAt     time.Time  `json:"created_at"`
}

// MemberFilter narrows ListMembers results. Nil/empty fields match everything.
type MemberFilter struct {
	Verified *bool
	Category string
}

// CreateMember inserts a new member. Returns apperr.ErrDuplicateDomain when the
// domain is already registered.
func (s *Store) CreateMember(m Member) error {
	cats, _ := json.Marshal(emptyIfNil(m.Categories))
	_, err := s.conn.Exec(`
		INSERT INTO members (id, domain, email, categories, verified, authority, credit_balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, m.ID, m.Domain, m.Email, string(cats), m.Verified, m.Authority, m.CreatedAt)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return apperr.ErrDuplicateDomain
		}
		return fmt.Errorf("store: create member: %w", err)
	}
	return nil
}

// GetMember returns a member by id, or apperr.ErrNotFound.
func (s *Store) GetMember(id string) (*Member, error) {
	return s.scanMember(s.conn.QueryRow(`
		SELECT id, domain, email, categories, verified, authority, credit_balance, created_at
		FROM members WHERE id = ?`, id))
}

// GetMemberByDomain returns a member by domain, or apperr.ErrNotFound.
func (s *Store) GetMemberByDomain(domain string) (*Member, error) {
	return s.scanMember(s.conn.QueryRow(`
		SELECT id, domain, email, categories, verified, authority, credit_balance, created_at
		FROM members WHERE domain = ?`, domain))
}

// SetVerified marks the member verified. Idempotent.
func (s *Store) SetVerified(domain string) error {
	res, err := s.conn.Exec(`UPDATE members SET verified = 1 WHERE domain = ?`, domain)
	if err != nil {
		return fmt.Errorf("store: set verified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish "already verified" from "unknown domain".
		if _, err := s.GetMemberByDomain(domain); err != nil {
			return err
		}
	}
	return nil
}

// SetCategories replaces the member's category tags.
func (s *Store) SetCategories(id string, categories []string) error {
	cats, _ := json.Marshal(emptyIfNil(categories))
	_, err := s.conn.Exec(`UPDATE members SET categories = ? WHERE id = ?`, string(cats), id)
	if err != nil {
		return fmt.Errorf("store: set categories: %w", err)
	}
	return nil
}

// SetAuthority records the domain-authority score looked up at registration.
func (s *Store) SetAuthority(id string, score float64) error {
	_, err := s.conn.Exec(`UPDATE members SET authority = ? WHERE id = ?`, score, id)
	if err != nil {
		return fmt.Errorf("store: set authority: %w", err)
	}
	return nil
}

// ListMembers returns members matching the filter, newest first.
func (s *Store) ListMembers(f MemberFilter) ([]Member, error) {
	q := `SELECT id, domain, email, categories, verified, authority, credit_balance, created_at FROM members`
	var args []any
	var conds []string
	if f.Verified != nil {
		conds = append(conds, `verified = ?`)
		args = append(args, *f.Verified)
	}
	if f.Category != "" {
		// Categories are stored as a JSON array of lowercase strings.
		conds = append(conds, `categories LIKE ?`)
		args = append(args, `%"`+f.Category+`"%`)
	}
	for i, c := range conds {
		if i == 0 {
			q += ` WHERE ` + c
		} else {
			q += ` AND ` + c
		}
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		m, err := scanMemberRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// DeleteMember removes a member together with its open contributions and
// requests (FK cascade). Placements are retained for audit.
func (s *Store) DeleteMember(id string) error {
	res, err := s.conn.Exec(`DELETE FROM members WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ContributionCount returns how many contributions the member has ever created,
// counting rows still present plus ledger evidence of deleted ones.
func (s *Store) ContributionCount(memberID string) (int, error) {
	var n int
	err := s.conn.QueryRow(`
		SELECT count(*) FROM (
			SELECT id FROM contributions WHERE member_id = ?
			UNION
			SELECT contribution_id FROM ledger
			WHERE member_id = ? AND reason = ? AND contribution_id IS NOT NULL
		)`, memberID, memberID, ReasonContributionCreated).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: contribution count: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanMember(row *sql.Row) (*Member, error) {
	m, err := scanMemberRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	return m, err
}

func scanMemberRow(row rowScanner) (*Member, error) {
	var m Member
	var cats string
	if err := row.Scan(&m.ID, &m.Domain, &m.Email, &cats, &m.Verified, &m.Authority, &m.CreditBalance, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("store: scan member: %w", err)
	}
	_ = json.Unmarshal([]byte(cats), &m.Categories)
	if m.Categories == nil {
		m.Categories = []string{}
	}
	return &m, nil
}

func emptyIfNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
