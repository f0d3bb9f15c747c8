package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/gebo/internal/apperr"
)

// Request statuses.
const (
	RequestPending = "pending"
	RequestMatched = "matched"
)

// Request is a member's ask for an inbound link.
type Request struct {
	ID              string    `json:"id"`
	MemberID        string    `json:"member_id"`
	Domain          string    `json:"domain"` // joined from members on read
	TargetPage      string    `json:"target_page"`
	PreferredAnchor string    `json:"preferred_anchor"`
	Categories      []string  `json:"categories"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateRequest inserts a new pending request.
func (s *Store) CreateRequest(r Request) error {
	cats, _ := json.Marshal(emptyIfNil(r.Categories))
	_, err := s.conn.Exec(`
		INSERT INTO requests (id, member_id, target_page, preferred_anchor, categories, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.MemberID, r.TargetPage, r.PreferredAnchor, string(cats), RequestPending, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create request: %w", err)
	}
	return nil
}

// GetRequest returns a request by id, or apperr.ErrNotFound.
func (s *Store) GetRequest(id string) (*Request, error) {
	row := s.conn.QueryRow(`
		SELECT r.id, r.member_id, m.domain, r.target_page, r.preferred_anchor, r.categories, r.status, r.created_at
		FROM requests r JOIN members m ON m.id = r.member_id
		WHERE r.id = ?`, id)
	return scanRequest(row)
}

// PendingRequests returns all unmatched requests, oldest first. Used by the
// backlog re-match pass when new contributions arrive.
func (s *Store) PendingRequests() ([]Request, error) {
	return s.queryRequests(`
		SELECT r.id, r.member_id, m.domain, r.target_page, r.preferred_anchor, r.categories, r.status, r.created_at
		FROM requests r JOIN members m ON m.id = r.member_id
		WHERE r.status = ? ORDER BY r.created_at ASC, r.id ASC`, RequestPending)
}

// OpenRequests returns the member's pending requests, oldest first.
func (s *Store) OpenRequests(memberID string) ([]Request, error) {
	return s.queryRequests(`
		SELECT r.id, r.member_id, m.domain, r.target_page, r.preferred_anchor, r.categories, r.status, r.created_at
		FROM requests r JOIN members m ON m.id = r.member_id
		WHERE r.member_id = ? AND r.status = ? ORDER BY r.created_at ASC`, memberID, RequestPending)
}

// WithdrawRequest deletes the owner's request iff it is still pending.
// Withdrawing a matched request is not allowed; the placement must fail or
// time out instead.
func (s *Store) WithdrawRequest(id, memberID string) error {
	res, err := s.conn.Exec(`
		DELETE FROM requests WHERE id = ? AND member_id = ? AND status = ?`,
		id, memberID, RequestPending)
	if err != nil {
		return fmt.Errorf("store: withdraw request: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	r, err := s.GetRequest(id)
	if err != nil {
		return err
	}
	if r.MemberID != memberID {
		return apperr.ErrForbidden
	}
	return apperr.ErrInvalidState
}

func (s *Store) queryRequests(q string, args ...any) ([]Request, error) {
	rows, err := s.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var cats string
	if err := row.Scan(&r.ID, &r.MemberID, &r.Domain, &r.TargetPage, &r.PreferredAnchor, &cats, &r.Status, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("store: scan request: %w", err)
	}
	_ = json.Unmarshal([]byte(cats), &r.Categories)
	if r.Categories == nil {
		r.Categories = []string{}
	}
	return &r, nil
}
