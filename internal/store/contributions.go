package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/gebo/internal/apperr"
)

// Contribution is a link slot a member offers on one of its pages.
type Contribution struct {
	ID         string    `json:"id"`
	MemberID   string    `json:"member_id"`
	Domain     string    `json:"domain"` // joined from members on read
	PageURL    string    `json:"page_url"`
	Categories []string  `json:"categories"`
	MaxLinks   int       `json:"max_links"`
	LinksUsed  int       `json:"links_used"`
	Context    string    `json:"context"`
	CreatedAt  time.Time `json:"created_at"`
}

// Active reports whether the contribution still has capacity.
func (c *Contribution) Active() bool {
	return c.LinksUsed < c.MaxLinks
}

// CreateContribution inserts a new contribution and grants the contributor
// +1 credit per slot-unit (capped) in the same transaction.
func (s *Store) CreateContribution(c Contribution, creditCap int) error {
	if c.MaxLinks <= 0 {
		return apperr.ErrInvalidCapacity
	}
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cats, _ := json.Marshal(emptyIfNil(c.Categories))
	_, err = tx.Exec(`
		INSERT INTO contributions (id, member_id, page_url, categories, max_links, links_used, context, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`, c.ID, c.MemberID, c.PageURL, string(cats), c.MaxLinks, c.Context, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create contribution: %w", err)
	}

	grant := c.MaxLinks
	if creditCap > 0 && grant > creditCap {
		grant = creditCap
	}
	if _, err := applyLedgerTx(tx, c.MemberID, grant, ReasonContributionCreated, nil, &c.ID, c.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// GetContribution returns a contribution by id, or apperr.ErrNotFound.
func (s *Store) GetContribution(id string) (*Contribution, error) {
	row := s.conn.QueryRow(`
		SELECT c.id, c.member_id, m.domain, c.page_url, c.categories, c.max_links, c.links_used, c.context, c.created_at
		FROM contributions c JOIN members m ON m.id = c.member_id
		WHERE c.id = ?`, id)
	c, err := scanContribution(row)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ActiveCandidates returns every contribution with remaining capacity from a
// verified member whose domain differs from excludeDomain, ordered oldest
// first. Relevance scoring and cooldown filtering happen in the pool layer.
func (s *Store) ActiveCandidates(excludeDomain string) ([]Contribution, error) {
	rows, err := s.conn.Query(`
		SELECT c.id, c.member_id, m.domain, c.page_url, c.categories, c.max_links, c.links_used, c.context, c.created_at
		FROM contributions c JOIN members m ON m.id = c.member_id
		WHERE c.links_used < c.max_links AND m.verified = 1 AND m.domain != ?
		ORDER BY c.created_at ASC, c.id ASC`, excludeDomain)
	if err != nil {
		return nil, fmt.Errorf("store: active candidates: %w", err)
	}
	defer rows.Close()

	var out []Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// OpenContributions returns the member's contributions with remaining capacity.
func (s *Store) OpenContributions(memberID string) ([]Contribution, error) {
	rows, err := s.conn.Query(`
		SELECT c.id, c.member_id, m.domain, c.page_url, c.categories, c.max_links, c.links_used, c.context, c.created_at
		FROM contributions c JOIN members m ON m.id = c.member_id
		WHERE c.member_id = ? AND c.links_used < c.max_links
		ORDER BY c.created_at ASC`, memberID)
	if err != nil {
		return nil, fmt.Errorf("store: open contributions: %w", err)
	}
	defer rows.Close()

	var out []Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ConsumeSlot atomically increments links_used iff capacity remains. A false
// return means another match consumed the last slot first.
func (s *Store) ConsumeSlot(id string) (bool, error) {
	res, err := s.conn.Exec(`
		UPDATE contributions SET links_used = links_used + 1
		WHERE id = ? AND links_used < max_links`, id)
	if err != nil {
		return false, fmt.Errorf("store: consume slot: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseSlot atomically decrements links_used, freeing capacity after a
// failed placement. A no-op when the contribution is gone or already at zero.
func (s *Store) ReleaseSlot(id string) error {
	_, err := s.conn.Exec(`
		UPDATE contributions SET links_used = links_used - 1
		WHERE id = ? AND links_used > 0`, id)
	if err != nil {
		return fmt.Errorf("store: release slot: %w", err)
	}
	return nil
}

func scanContribution(row rowScanner) (*Contribution, error) {
	var c Contribution
	var cats string
	if err := row.Scan(&c.ID, &c.MemberID, &c.Domain, &c.PageURL, &cats, &c.MaxLinks, &c.LinksUsed, &c.Context, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("store: scan contribution: %w", err)
	}
	_ = json.Unmarshal([]byte(cats), &c.Categories)
	if c.Categories == nil {
		c.Categories = []string{}
	}
	return &c, nil
}
