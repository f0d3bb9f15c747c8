package pool

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestScoreCategories(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"crypto"}, []string{"crypto"}, 1.0},
		{"half overlap", []string{"crypto"}, []string{"crypto", "fintech"}, 0.5},
		{"third overlap", []string{"a", "b"}, []string{"b", "c"}, 1.0 / 3.0},
		{"disjoint", []string{"crypto"}, []string{"knitting"}, 0},
		{"empty request", nil, []string{"crypto"}, 0},
		{"empty contribution", []string{"crypto"}, nil, 0},
		{"both empty", nil, nil, 0},
		{"case and whitespace insensitive", []string{" Crypto "}, []string{"crypto"}, 1.0},
		{"duplicates collapse", []string{"crypto", "crypto"}, []string{"crypto"}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scoreCategories(tt.a, tt.b); got != tt.want {
				t.Errorf("scoreCategories(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestNormalizeCategories(t *testing.T) {
	got := normalizeCategories([]string{" Fintech", "crypto", "", "CRYPTO", "  "})
	want := []string{"crypto", "fintech"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("normalizeCategories = %v, want %v", got, want)
	}
}

func TestMatchPrefersHigherScore(t *testing.T) {
	e := newTestEnv(t)
	broad := e.registerVerified(t, "broad.dev")
	exact := e.registerVerified(t, "exact.dev")
	y := e.registerVerified(t, "y.dev")
	e.contribute(t, y.ID, 1, "knitting")

	// The broad page overlaps partially, the exact page fully. The exact one
	// must win even though it was offered later.
	e.contribute(t, broad.ID, 1, "crypto", "fintech", "saas")
	e.contribute(t, exact.ID, 1, "crypto")

	_, p, err := e.svc.SubmitRequest(context.Background(), y.ID, "https://y.dev/", "", []string{"crypto"})
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("expected a match")
	}
	if p.FromDomain != "exact.dev" {
		t.Errorf("matched %s, want exact.dev (score 1.0 over 1/3)", p.FromDomain)
	}
}

func TestMatchTieBreaksOnOldestContribution(t *testing.T) {
	e := newTestEnv(t)
	first := e.registerVerified(t, "first.dev")
	second := e.registerVerified(t, "second.dev")
	y := e.registerVerified(t, "y.dev")
	e.contribute(t, y.ID, 1, "knitting")

	e.contribute(t, first.ID, 1, "crypto")
	e.clock.advance(time.Second)
	e.contribute(t, second.ID, 1, "crypto")

	_, p, err := e.svc.SubmitRequest(context.Background(), y.ID, "https://y.dev/", "", []string{"crypto"})
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("expected a match")
	}
	if p.FromDomain != "first.dev" {
		t.Errorf("matched %s, want first.dev (equal score, older contribution)", p.FromDomain)
	}
}

func TestMatchPrefersFreshPartner(t *testing.T) {
	e := newTestEnv(t)
	repeat := e.registerVerified(t, "repeat.dev")
	fresh := e.registerVerified(t, "fresh.dev")
	y := e.registerVerified(t, "y.dev")
	e.contribute(t, y.ID, 2, "knitting")

	// y already exchanged with repeat.dev (matched placement, no cooldown yet:
	// only verified exchanges block, recent ones merely rank lower).
	e.contribute(t, repeat.ID, 2, "crypto")
	_, p1, err := e.svc.SubmitRequest(context.Background(), y.ID, "https://y.dev/a", "", []string{"crypto"})
	if err != nil || p1 == nil {
		t.Fatalf("setup match: p=%v err=%v", p1, err)
	}

	e.contribute(t, fresh.ID, 2, "crypto")
	_, p2, err := e.svc.SubmitRequest(context.Background(), y.ID, "https://y.dev/b", "", []string{"crypto"})
	if err != nil {
		t.Fatal(err)
	}
	if p2 == nil {
		t.Fatal("expected a match")
	}
	if p2.FromDomain != "fresh.dev" {
		t.Errorf("matched %s, want fresh.dev (equal score, no recent exchange)", p2.FromDomain)
	}
}
