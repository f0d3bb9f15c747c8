package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/starford/gebo/internal/apperr"
	"github.com/starford/gebo/internal/store"
	"github.com/starford/gebo/internal/testutil"
)

type fakeOwnership struct {
	ok  bool
	err error
}

func (f *fakeOwnership) VerifyOwnership(context.Context, string, string) (bool, error) {
	return f.ok, f.err
}

type fakeLinks struct {
	present bool
	diag    string
	err     error
	calls   int
}

func (f *fakeLinks) CheckLink(context.Context, string, string) (bool, string, error) {
	f.calls++
	return f.present, f.diag, f.err
}

// clock is a mutable test clock.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *clock) advanceDays(n int) { c.advance(time.Duration(n) * 24 * time.Hour) }

type testEnv struct {
	svc   *Service
	db    *store.Store
	links *fakeLinks
	clock *clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.TestStore(t)
	links := &fakeLinks{present: true, diag: "anchor present"}
	ck := newClock()
	svc := NewService(db, &fakeOwnership{ok: true}, links, nil, nil, nil, Params{}, nil)
	svc.SetNow(ck.now)
	return &testEnv{svc: svc, db: db, links: links, clock: ck}
}

// registerVerified registers a member and runs ownership verification.
func (e *testEnv) registerVerified(t *testing.T, domain string) *store.Member {
	t.Helper()
	ctx := context.Background()
	m, err := e.svc.Register(ctx, domain, "admin@"+domain)
	if err != nil {
		t.Fatalf("Register(%s): %v", domain, err)
	}
	ok, err := e.svc.VerifyMember(ctx, domain, "proof-token")
	if err != nil || !ok {
		t.Fatalf("VerifyMember(%s): ok=%v err=%v", domain, ok, err)
	}
	m, err = e.db.GetMember(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// contribute adds a slot, failing the test on error.
func (e *testEnv) contribute(t *testing.T, memberID string, maxLinks int, cats ...string) *store.Contribution {
	t.Helper()
	c, err := e.svc.Contribute(context.Background(), memberID, "https://host.example/page", maxLinks, cats, "footer links")
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	return c
}

func TestRegisterRequiresDomainAndEmail(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	// Callers bypassing the HTTP layer get a validation error, not a state
	// conflict.
	if _, err := e.svc.Register(ctx, "", "admin@new.dev"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("empty domain: expected ErrInvalidInput, got %v", err)
	}
	if _, err := e.svc.Register(ctx, "new.dev", ""); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("empty email: expected ErrInvalidInput, got %v", err)
	}
}

func TestUnverifiedMemberCannotParticipate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m, err := e.svc.Register(ctx, "new.dev", "admin@new.dev")
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.svc.Contribute(ctx, m.ID, "https://new.dev/links", 1, []string{"crypto"}, "")
	if !errors.Is(err, apperr.ErrNotVerified) {
		t.Errorf("contribute: expected ErrNotVerified, got %v", err)
	}
	_, _, err = e.svc.SubmitRequest(ctx, m.ID, "https://new.dev/", "anchor", []string{"crypto"})
	if !errors.Is(err, apperr.ErrNotVerified) {
		t.Errorf("request: expected ErrNotVerified, got %v", err)
	}
}

func TestFreeRiderGuard(t *testing.T) {
	e := newTestEnv(t)
	y := e.registerVerified(t, "y.dev")

	_, _, err := e.svc.SubmitRequest(context.Background(), y.ID, "https://y.dev/", "", []string{"crypto"})
	if !errors.Is(err, apperr.ErrInsufficientCredit) {
		t.Fatalf("expected ErrInsufficientCredit without contributions, got %v", err)
	}

	e.contribute(t, y.ID, 1, "knitting")
	_, _, err = e.svc.SubmitRequest(context.Background(), y.ID, "https://y.dev/", "", []string{"crypto"})
	if err != nil {
		t.Fatalf("request after contributing: %v", err)
	}
}

func TestImmediateMatch(t *testing.T) {
	e := newTestEnv(t)
	x := e.registerVerified(t, "x.dev")
	y := e.registerVerified(t, "y.dev")

	cx := e.contribute(t, x.ID, 1, "crypto")
	e.contribute(t, y.ID, 1, "knitting") // request eligibility only

	req, p, err := e.svc.SubmitRequest(context.Background(), y.ID, "https://y.dev/landing", "best wallet", []string{"crypto", "fintech"})
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	if p == nil {
		t.Fatal("expected an immediate match")
	}
	if req.Status != store.RequestMatched {
		t.Errorf("request status = %q, want matched", req.Status)
	}
	if p.State != store.PlacementMatched {
		t.Errorf("placement state = %q, want matched", p.State)
	}
	if p.FromDomain != "x.dev" || p.ToDomain != "y.dev" {
		t.Errorf("placement domains = %s→%s", p.FromDomain, p.ToDomain)
	}
	if p.RelevanceScore != 0.5 {
		t.Errorf("score = %v, want 0.5 (|{crypto}| / |{crypto,fintech}|)", p.RelevanceScore)
	}

	got, _ := e.db.GetContribution(cx.ID)
	if got.LinksUsed != 1 {
		t.Errorf("links_used = %d, want 1", got.LinksUsed)
	}
}

func TestNoSelfMatch(t *testing.T) {
	e := newTestEnv(t)
	x := e.registerVerified(t, "x.dev")
	e.contribute(t, x.ID, 5, "crypto")

	_, p, err := e.svc.SubmitRequest(context.Background(), x.ID, "https://x.dev/", "", []string{"crypto"})
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatalf("self-match created: %+v", p)
	}
}

func TestNoMatchBelowThreshold(t *testing.T) {
	e := newTestEnv(t)
	x := e.registerVerified(t, "x.dev")
	y := e.registerVerified(t, "y.dev")
	e.contribute(t, x.ID, 1, "gardening")
	e.contribute(t, y.ID, 1, "knitting")

	req, p, err := e.svc.SubmitRequest(context.Background(), y.ID, "https://y.dev/", "", []string{"crypto"})
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatalf("zero-overlap match created: %+v", p)
	}
	if req.Status != store.RequestPending {
		t.Errorf("request status = %q, want pending", req.Status)
	}
}

func TestConcurrentRequestsSingleSlot(t *testing.T) {
	e := newTestEnv(t)
	x := e.registerVerified(t, "x.dev")
	y := e.registerVerified(t, "y.dev")
	z := e.registerVerified(t, "z.dev")
	e.contribute(t, x.ID, 1, "crypto")
	e.contribute(t, y.ID, 1, "knitting")
	e.contribute(t, z.ID, 1, "pottery")

	type outcome struct {
		p   *store.Placement
		err error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, memberID := range []string{y.ID, z.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, p, err := e.svc.SubmitRequest(context.Background(), id, "https://target.example/", "", []string{"crypto"})
			results <- outcome{p: p, err: err}
		}(memberID)
	}
	wg.Wait()
	close(results)

	matched := 0
	for res := range results {
		if res.err != nil {
			t.Fatalf("SubmitRequest: %v", res.err)
		}
		if res.p != nil {
			matched++
		}
	}
	if matched != 1 {
		t.Fatalf("placements created = %d, want exactly 1", matched)
	}

	pending, err := e.db.PendingRequests()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending requests = %d, want 1", len(pending))
	}
}

// matchPair sets up x hosting a link for y and returns the placement.
func (e *testEnv) matchPair(t *testing.T, x, y *store.Member, cats ...string) *store.Placement {
	t.Helper()
	e.contribute(t, x.ID, 1, cats...)
	_, p, err := e.svc.SubmitRequest(context.Background(), y.ID, "https://"+y.Domain+"/", "", cats)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("expected a match")
	}
	return p
}

func TestConfirmOnlyByContributor(t *testing.T) {
	e := newTestEnv(t)
	x := e.registerVerified(t, "x.dev")
	y := e.registerVerified(t, "y.dev")
	e.contribute(t, y.ID, 1, "knitting")
	p := e.matchPair(t, x, y, "crypto")

	if _, err := e.svc.Confirm(p.ID, y.ID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("requester confirm: expected ErrForbidden, got %v", err)
	}
	confirmed, err := e.svc.Confirm(p.ID, x.ID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if confirmed.State != store.PlacementConfirmed || confirmed.ConfirmedAt == nil {
		t.Errorf("unexpected placement: %+v", confirmed)
	}
	if _, err := e.svc.Confirm(p.ID, x.ID); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("double confirm: expected ErrInvalidState, got %v", err)
	}
}

func TestVerifyFailureUnwinds(t *testing.T) {
	e := newTestEnv(t)
	x := e.registerVerified(t, "x.dev")
	y := e.registerVerified(t, "y.dev")
	e.contribute(t, y.ID, 1, "knitting")
	p := e.matchPair(t, x, y, "crypto")

	balAfterMatch, _ := e.db.GetMember(x.ID)

	if _, err := e.svc.Confirm(p.ID, x.ID); err != nil {
		t.Fatal(err)
	}
	e.links.present = false
	e.links.diag = "no anchor found"

	res, err := e.svc.VerifyPlacement(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("VerifyPlacement: %v", err)
	}
	if res.Verified {
		t.Fatal("verification should have failed")
	}
	if res.Reason == "" {
		t.Error("failure must carry a reason")
	}

	got, _ := e.db.GetPlacement(p.ID)
	if got.State != store.PlacementFailed {
		t.Errorf("state = %q, want failed", got.State)
	}
	c, _ := e.db.GetContribution(p.ContributionID)
	if c.LinksUsed != 0 {
		t.Errorf("links_used = %d, want 0 (slot freed)", c.LinksUsed)
	}
	m, _ := e.db.GetMember(x.ID)
	if m.CreditBalance != balAfterMatch.CreditBalance-1 {
		t.Errorf("balance = %d, want %d (optimistic grant reversed)", m.CreditBalance, balAfterMatch.CreditBalance-1)
	}
}

func TestVerifyUpstreamFailureIsNotAnAnswer(t *testing.T) {
	e := newTestEnv(t)
	x := e.registerVerified(t, "x.dev")
	y := e.registerVerified(t, "y.dev")
	e.contribute(t, y.ID, 1, "knitting")
	p := e.matchPair(t, x, y, "crypto")
	if _, err := e.svc.Confirm(p.ID, x.ID); err != nil {
		t.Fatal(err)
	}

	e.links.err = errors.New("connect: connection refused")
	_, err := e.svc.VerifyPlacement(context.Background(), p.ID)
	if !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}

	// Still confirmed: ambiguous results must not decide the outcome.
	got, _ := e.db.GetPlacement(p.ID)
	if got.State != store.PlacementConfirmed {
		t.Errorf("state = %q, want confirmed", got.State)
	}
}

func TestCooldownBlocksRematch(t *testing.T) {
	e := newTestEnv(t)
	a := e.registerVerified(t, "a.dev")
	b := e.registerVerified(t, "b.dev")
	e.contribute(t, b.ID, 1, "knitting")

	p := e.matchPair(t, a, b, "crypto")
	if _, err := e.svc.Confirm(p.ID, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.VerifyPlacement(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}

	// Same pair, same categories, inside the cooldown window.
	e.contribute(t, a.ID, 1, "crypto")
	_, p2, err := e.svc.SubmitRequest(context.Background(), b.ID, "https://b.dev/", "", []string{"crypto"})
	if err != nil {
		t.Fatal(err)
	}
	if p2 != nil {
		t.Fatalf("cooldown pair rematched: %+v", p2)
	}

	// After the cooldown expires the backlog pass pairs them again.
	e.clock.advanceDays(31)
	e.svc.MatchBacklog(context.Background())
	pending, _ := e.db.PendingRequests()
	if len(pending) != 0 {
		t.Fatalf("request still pending after cooldown: %+v", pending)
	}
}

func TestSweepFailsUnconfirmedPlacements(t *testing.T) {
	e := newTestEnv(t)
	x := e.registerVerified(t, "x.dev")
	y := e.registerVerified(t, "y.dev")
	e.contribute(t, y.ID, 1, "knitting")
	p := e.matchPair(t, x, y, "crypto")

	e.clock.advanceDays(15) // confirmation grace is 14 days
	e.svc.Sweep(context.Background())

	got, _ := e.db.GetPlacement(p.ID)
	if got.State != store.PlacementFailed {
		t.Errorf("state = %q, want failed after grace expiry", got.State)
	}
	c, _ := e.db.GetContribution(p.ContributionID)
	if c.LinksUsed != 0 {
		t.Errorf("links_used = %d, want 0 (capacity freed)", c.LinksUsed)
	}
}

func TestSweepVerifiesLiveConfirmedPlacement(t *testing.T) {
	e := newTestEnv(t)
	x := e.registerVerified(t, "x.dev")
	y := e.registerVerified(t, "y.dev")
	e.contribute(t, y.ID, 1, "knitting")
	p := e.matchPair(t, x, y, "crypto")
	if _, err := e.svc.Confirm(p.ID, x.ID); err != nil {
		t.Fatal(err)
	}

	// No manual verify call: the sweep alone must consult the link checker
	// and finalize a live link instead of letting it drift toward expiry.
	e.links.calls = 0
	e.clock.advanceDays(2)
	e.svc.Sweep(context.Background())

	if e.links.calls == 0 {
		t.Fatal("sweep never consulted the link checker")
	}
	got, _ := e.db.GetPlacement(p.ID)
	if got.State != store.PlacementVerified {
		t.Errorf("state = %q, want verified", got.State)
	}
	if got.ReciprocalBlockedUntil == nil {
		t.Error("verified placement must carry a cooldown stamp")
	}
}

func TestSweepDefersVerificationOnUpstreamError(t *testing.T) {
	e := newTestEnv(t)
	x := e.registerVerified(t, "x.dev")
	y := e.registerVerified(t, "y.dev")
	e.contribute(t, y.ID, 1, "knitting")
	p := e.matchPair(t, x, y, "crypto")
	if _, err := e.svc.Confirm(p.ID, x.ID); err != nil {
		t.Fatal(err)
	}

	e.links.err = errors.New("connect: connection refused")
	e.clock.advanceDays(2)
	e.svc.Sweep(context.Background())

	// Ambiguous upstream result: still confirmed, retried on the next pass.
	got, _ := e.db.GetPlacement(p.ID)
	if got.State != store.PlacementConfirmed {
		t.Fatalf("state = %q, want confirmed after deferred verification", got.State)
	}

	e.links.err = nil
	e.svc.Sweep(context.Background())
	got, _ = e.db.GetPlacement(p.ID)
	if got.State != store.PlacementVerified {
		t.Errorf("state = %q, want verified once the checker recovers", got.State)
	}
}

func TestSweepFailsConfirmedPastVerificationWindow(t *testing.T) {
	e := newTestEnv(t)
	x := e.registerVerified(t, "x.dev")
	y := e.registerVerified(t, "y.dev")
	e.contribute(t, y.ID, 1, "knitting")
	p := e.matchPair(t, x, y, "crypto")
	if _, err := e.svc.Confirm(p.ID, x.ID); err != nil {
		t.Fatal(err)
	}

	e.clock.advanceDays(8) // verification window is 7 days
	e.svc.Sweep(context.Background())

	got, _ := e.db.GetPlacement(p.ID)
	if got.State != store.PlacementFailed {
		t.Errorf("state = %q, want failed after verification window", got.State)
	}
}

func TestBacklogMatchOnNewContribution(t *testing.T) {
	e := newTestEnv(t)
	x := e.registerVerified(t, "x.dev")
	y := e.registerVerified(t, "y.dev")
	e.contribute(t, y.ID, 1, "knitting")

	req, p, err := e.svc.SubmitRequest(context.Background(), y.ID, "https://y.dev/", "", []string{"crypto"})
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatal("nothing to match against yet")
	}

	// The new contribution triggers a backlog pass that matches the waiting
	// request.
	e.contribute(t, x.ID, 1, "crypto")

	got, _ := e.db.GetRequest(req.ID)
	if got.Status != store.RequestMatched {
		t.Errorf("request status = %q, want matched after backlog pass", got.Status)
	}
}

func TestVerifyMemberUpstream(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	if _, err := e.svc.Register(ctx, "x.dev", "admin@x.dev"); err != nil {
		t.Fatal(err)
	}

	own := &fakeOwnership{err: errors.New("504 gateway timeout")}
	svc := NewService(e.db, own, e.links, nil, nil, nil, Params{}, nil)
	if _, err := svc.VerifyMember(ctx, "x.dev", "proof"); !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}

	own.err, own.ok = nil, false
	verified, err := svc.VerifyMember(ctx, "x.dev", "proof")
	if err != nil || verified {
		t.Fatalf("rejected proof: verified=%v err=%v", verified, err)
	}
	m, _ := e.db.GetMemberByDomain("x.dev")
	if m.Verified {
		t.Error("member must not be verified on a rejected proof")
	}
}

func TestStatusSummary(t *testing.T) {
	e := newTestEnv(t)
	x := e.registerVerified(t, "x.dev")
	y := e.registerVerified(t, "y.dev")
	e.contribute(t, y.ID, 2, "knitting")
	e.matchPair(t, x, y, "crypto")

	st, err := e.svc.Status(x.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Contribution grant (+1) plus optimistic match grant (+1).
	if st.CreditBalance != 2 {
		t.Errorf("credit = %d, want 2", st.CreditBalance)
	}
	if st.PlacementsGiven != 1 || st.PlacementsReceived != 0 {
		t.Errorf("given/received = %d/%d, want 1/0", st.PlacementsGiven, st.PlacementsReceived)
	}

	st, err = e.svc.Status(y.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.PlacementsReceived != 1 {
		t.Errorf("received = %d, want 1", st.PlacementsReceived)
	}
	if st.OpenContributions != 1 {
		t.Errorf("open contributions = %d, want 1", st.OpenContributions)
	}
}
