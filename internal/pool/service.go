// Package pool implements the link-exchange engine: member registry, credit
// policy, contribution store, request matching, and the placement lifecycle.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/gebo/internal/apperr"
	"github.com/starford/gebo/internal/store"
)

// OwnershipVerifier checks a domain-ownership proof. External collaborator.
type OwnershipVerifier interface {
	VerifyOwnership(ctx context.Context, domain, proof string) (bool, error)
}

// LinkChecker fetches a hosting page and reports whether a live anchor to the
// target domain is present. External collaborator.
type LinkChecker interface {
	CheckLink(ctx context.Context, pageURL, targetDomain string) (present bool, diagnostic string, err error)
}

// Classifier tags a page with content categories. External collaborator.
type Classifier interface {
	Classify(ctx context.Context, pageURL string) (categories []string, blocked bool, err error)
}

// AuthorityScorer looks up a numeric domain-authority score. External collaborator.
type AuthorityScorer interface {
	Score(ctx context.Context, domain string) (float64, error)
}

// Publisher receives placement lifecycle events for broadcast. Satisfied by
// the events broker; a nil publisher disables broadcasting.
type Publisher interface {
	PublishPlacement(kind string, p store.Placement)
}

// Params tunes the pool policies. Zero values are replaced by defaults.
type Params struct {
	CooldownDays      int     // reciprocal cooldown between a domain pair
	ConfirmGraceDays  int     // matched placements older than this auto-fail
	VerifyWindowDays  int     // confirmed placements older than this auto-fail
	MinScore          float64 // matches require score strictly above this
	ContributionCap   int     // max credits granted per contribution
	MatchRetries      int     // candidates tried before giving up on races
}

func (p Params) withDefaults() Params {
	if p.CooldownDays <= 0 {
		p.CooldownDays = 30
	}
	if p.ConfirmGraceDays <= 0 {
		p.ConfirmGraceDays = 14
	}
	if p.VerifyWindowDays <= 0 {
		p.VerifyWindowDays = 7
	}
	if p.ContributionCap <= 0 {
		p.ContributionCap = 10
	}
	if p.MatchRetries <= 0 {
		p.MatchRetries = 5
	}
	return p
}

// Service is the pool engine. All collaborators are injected; there is no
// ambient global state.
type Service struct {
	db        *store.Store
	ownership OwnershipVerifier
	links     LinkChecker
	classify  Classifier
	authority AuthorityScorer
	events    Publisher
	params    Params
	logger    *slog.Logger

	now func() time.Time // injectable for simulated-time tests
}

// NewService creates the pool engine.
func NewService(db *store.Store, ownership OwnershipVerifier, links LinkChecker, classify Classifier, authority AuthorityScorer, events Publisher, params Params, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:        db,
		ownership: ownership,
		links:     links,
		classify:  classify,
		authority: authority,
		events:    events,
		params:    params.withDefaults(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the service clock. Test hook.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// Register creates a new member. Domain-authority lookup is best-effort: a
// scorer failure stores nothing and registration still succeeds.
func (s *Service) Register(ctx context.Context, domain, email string) (*store.Member, error) {
	domain = normalizeDomain(domain)
	if domain == "" || email == "" {
		return nil, fmt.Errorf("domain and email are required: %w", apperr.ErrInvalidInput)
	}
	m := store.Member{
		ID:        uuid.NewString(),
		Domain:    domain,
		Email:     email,
		CreatedAt: s.now(),
	}
	if err := s.db.CreateMember(m); err != nil {
		return nil, err
	}
	if s.authority != nil {
		if score, err := s.authority.Score(ctx, domain); err != nil {
			s.logger.Warn("authority lookup failed", slog.String("domain", domain), slog.String("error", err.Error()))
		} else if err := s.db.SetAuthority(m.ID, score); err != nil {
			return nil, err
		}
	}
	return s.db.GetMember(m.ID)
}

// VerifyMember checks the ownership proof with the external verifier and marks
// the member verified on success. Idempotent. An upstream failure is reported
// as apperr.ErrUpstream, never as a silent pass or fail.
func (s *Service) VerifyMember(ctx context.Context, domain, proof string) (bool, error) {
	domain = normalizeDomain(domain)
	if _, err := s.db.GetMemberByDomain(domain); err != nil {
		return false, err
	}
	ok, err := s.ownership.VerifyOwnership(ctx, domain, proof)
	if err != nil {
		return false, fmt.Errorf("ownership check: %w", errors.Join(apperr.ErrUpstream, err))
	}
	if !ok {
		return false, nil
	}
	if err := s.db.SetVerified(domain); err != nil {
		return false, err
	}
	return true, nil
}

// ListMembers returns members matching the filter.
func (s *Service) ListMembers(f store.MemberFilter) ([]store.Member, error) {
	return s.db.ListMembers(f)
}

// DeleteMember removes a member and its open contributions and requests.
// Historical placements survive, member-orphaned.
func (s *Service) DeleteMember(id string) error {
	return s.db.DeleteMember(id)
}

// Contribute offers a link slot. The contributor earns +1 credit per
// slot-unit, capped. When categories are omitted the content classifier fills
// them in; a classifier failure leaves them empty. Pages classified into a
// blocked category are rejected.
func (s *Service) Contribute(ctx context.Context, memberID, pageURL string, maxLinks int, categories []string, slotContext string) (*store.Contribution, error) {
	m, err := s.db.GetMember(memberID)
	if err != nil {
		return nil, err
	}
	if !m.Verified {
		return nil, apperr.ErrNotVerified
	}
	if maxLinks <= 0 {
		return nil, apperr.ErrInvalidCapacity
	}
	cats := normalizeCategories(categories)
	if len(cats) == 0 && s.classify != nil {
		got, blocked, err := s.classify.Classify(ctx, pageURL)
		switch {
		case err != nil:
			s.logger.Warn("classifier unavailable, contribution left untagged",
				slog.String("page_url", pageURL), slog.String("error", err.Error()))
		case blocked:
			return nil, fmt.Errorf("page classified into a blocked category: %w", apperr.ErrForbidden)
		default:
			cats = normalizeCategories(got)
		}
	}
	c := store.Contribution{
		ID:         uuid.NewString(),
		MemberID:   memberID,
		PageURL:    pageURL,
		Categories: cats,
		MaxLinks:   maxLinks,
		Context:    slotContext,
		CreatedAt:  s.now(),
	}
	if err := s.db.CreateContribution(c, s.params.ContributionCap); err != nil {
		return nil, err
	}
	// New capacity may satisfy requests that were waiting.
	s.MatchBacklog(ctx)
	return s.db.GetContribution(c.ID)
}

// SubmitRequest queues a link request and attempts a synchronous match.
// Requests cost no credit, but a member with no contribution on record may not
// request (free-rider guard). The returned placement is nil when the request
// stays pending.
func (s *Service) SubmitRequest(ctx context.Context, memberID, targetPage, preferredAnchor string, categories []string) (*store.Request, *store.Placement, error) {
	m, err := s.db.GetMember(memberID)
	if err != nil {
		return nil, nil, err
	}
	if !m.Verified {
		return nil, nil, apperr.ErrNotVerified
	}
	n, err := s.db.ContributionCount(memberID)
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return nil, nil, fmt.Errorf("no contribution on record: %w", apperr.ErrInsufficientCredit)
	}
	r := store.Request{
		ID:              uuid.NewString(),
		MemberID:        memberID,
		Domain:          m.Domain,
		TargetPage:      targetPage,
		PreferredAnchor: preferredAnchor,
		Categories:      normalizeCategories(categories),
		Status:          store.RequestPending,
		CreatedAt:       s.now(),
	}
	if err := s.db.CreateRequest(r); err != nil {
		return nil, nil, err
	}
	p, err := s.attemptMatch(r)
	if err != nil {
		return nil, nil, err
	}
	req, err := s.db.GetRequest(r.ID)
	if err != nil {
		return nil, nil, err
	}
	return req, p, nil
}

// WithdrawRequest removes the owner's still-pending request.
func (s *Service) WithdrawRequest(memberID, requestID string) error {
	return s.db.WithdrawRequest(requestID, memberID)
}

// Confirm reports that the contributing member physically inserted the link.
// Only the contributor may confirm.
func (s *Service) Confirm(placementID, actorMemberID string) (*store.Placement, error) {
	p, err := s.db.GetPlacement(placementID)
	if err != nil {
		return nil, err
	}
	c, err := s.db.GetContribution(p.ContributionID)
	if err != nil {
		// Contribution gone means the contributor account was deleted;
		// nobody may confirm an orphaned placement.
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.ErrForbidden
		}
		return nil, err
	}
	if c.MemberID != actorMemberID {
		return nil, apperr.ErrForbidden
	}
	if err := s.db.ConfirmPlacement(placementID, s.now()); err != nil {
		return nil, err
	}
	p, err = s.db.GetPlacement(placementID)
	if err != nil {
		return nil, err
	}
	s.publish("placement.confirmed", *p)
	return p, nil
}

// VerifyResult is the outcome of a verification attempt.
type VerifyResult struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason"`
}

// VerifyPlacement asks the external link checker whether the confirmed link is
// live. Success finalizes the exchange and starts the reciprocal cooldown;
// a reported absence fails the placement and unwinds slot and credit. An
// upstream failure leaves the placement confirmed for a later retry.
func (s *Service) VerifyPlacement(ctx context.Context, placementID string) (*VerifyResult, error) {
	p, err := s.db.GetPlacement(placementID)
	if err != nil {
		return nil, err
	}
	if p.State != store.PlacementConfirmed {
		return nil, fmt.Errorf("placement is %s, not confirmed: %w", p.State, apperr.ErrInvalidState)
	}
	c, err := s.db.GetContribution(p.ContributionID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			// Hosting page unknowable once the contribution is gone.
			return s.failPlacement(*p, "hosting contribution no longer exists")
		}
		return nil, err
	}
	present, diagnostic, err := s.links.CheckLink(ctx, c.PageURL, p.ToDomain)
	if err != nil {
		// Ambiguous result: never an implicit success, never an implicit
		// failure. The sweep (or the caller) retries later.
		return nil, fmt.Errorf("link check: %w", errors.Join(apperr.ErrUpstream, err))
	}
	if !present {
		return s.failPlacement(*p, "link not found on hosting page: "+diagnostic)
	}
	now := s.now()
	until := now.AddDate(0, 0, s.params.CooldownDays)
	if err := s.db.VerifyPlacement(placementID, now, until); err != nil {
		return nil, err
	}
	verified, err := s.db.GetPlacement(placementID)
	if err != nil {
		return nil, err
	}
	s.publish("placement.verified", *verified)
	return &VerifyResult{Verified: true, Reason: "link present"}, nil
}

func (s *Service) failPlacement(p store.Placement, reason string) (*VerifyResult, error) {
	if err := s.db.FailPlacement(p.ID, s.now()); err != nil {
		return nil, err
	}
	failed, err := s.db.GetPlacement(p.ID)
	if err != nil {
		return nil, err
	}
	s.publish("placement.failed", *failed)
	s.logger.Info("placement failed",
		slog.String("placement_id", p.ID), slog.String("reason", reason))
	return &VerifyResult{Verified: false, Reason: reason}, nil
}

// PendingPlacements lists placements awaiting confirmation or verification.
func (s *Service) PendingPlacements(states ...string) ([]store.Placement, error) {
	if len(states) == 0 {
		states = []string{store.PlacementMatched, store.PlacementConfirmed}
	}
	for _, st := range states {
		if st != store.PlacementMatched && st != store.PlacementConfirmed {
			return nil, fmt.Errorf("state %q is not pending: %w", st, apperr.ErrInvalidState)
		}
	}
	return s.db.ListPlacements(states...)
}

// PoolStatus summarizes a member's standing in the pool.
type PoolStatus struct {
	MemberID           string `json:"member_id"`
	Domain             string `json:"domain"`
	CreditBalance      int    `json:"credit_balance"`
	OpenContributions  int    `json:"open_contributions"`
	OpenRequests       int    `json:"open_requests"`
	PlacementsGiven    int    `json:"placements_given"`
	PlacementsReceived int    `json:"placements_received"`
}

// Status returns the member's ledger and contribution/request summary.
func (s *Service) Status(memberID string) (*PoolStatus, error) {
	m, err := s.db.GetMember(memberID)
	if err != nil {
		return nil, err
	}
	contribs, err := s.db.OpenContributions(memberID)
	if err != nil {
		return nil, err
	}
	reqs, err := s.db.OpenRequests(memberID)
	if err != nil {
		return nil, err
	}
	given, received, err := s.db.PlacementCounts(m.Domain)
	if err != nil {
		return nil, err
	}
	return &PoolStatus{
		MemberID:           m.ID,
		Domain:             m.Domain,
		CreditBalance:      m.CreditBalance,
		OpenContributions:  len(contribs),
		OpenRequests:       len(reqs),
		PlacementsGiven:    given,
		PlacementsReceived: received,
	}, nil
}

// Ledger returns the member's credit history, newest first.
func (s *Service) Ledger(memberID string, limit int) ([]store.LedgerEntry, error) {
	if _, err := s.db.GetMember(memberID); err != nil {
		return nil, err
	}
	return s.db.LedgerEntries(memberID, limit)
}

func (s *Service) publish(kind string, p store.Placement) {
	if s.events != nil {
		s.events.PublishPlacement(kind, p)
	}
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "www.")
	return strings.TrimSuffix(domain, "/")
}
