package pool

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/gebo/internal/apperr"
	"github.com/starford/gebo/internal/store"
)

type candidate struct {
	contribution store.Contribution
	score        float64
	recentPair   bool // requester exchanged with this domain recently
}

// attemptMatch evaluates every eligible contribution against the request and
// commits the best one. Candidate order is deterministic for a given snapshot:
// score descending, fresh partners before recent ones, then oldest
// contribution first. Losing the slot race falls through to the next
// candidate; losing the request race (someone else matched it) stops quietly.
func (s *Service) attemptMatch(r store.Request) (*store.Placement, error) {
	now := s.now()
	all, err := s.db.ActiveCandidates(r.Domain)
	if err != nil {
		return nil, err
	}
	recent, err := s.db.RecentPartners(r.Domain, now.AddDate(0, 0, -s.params.CooldownDays))
	if err != nil {
		return nil, err
	}
	blocked, err := s.db.BlockedPartners(r.Domain, now)
	if err != nil {
		return nil, err
	}

	var ranked []candidate
	for _, c := range all {
		score := scoreCategories(r.Categories, c.Categories)
		if score <= s.params.MinScore {
			continue
		}
		if _, ok := blocked[c.Domain]; ok {
			continue // reciprocal cooldown active
		}
		_, isRecent := recent[c.Domain]
		ranked = append(ranked, candidate{contribution: c, score: score, recentPair: isRecent})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].recentPair != ranked[j].recentPair {
			return !ranked[i].recentPair
		}
		return ranked[i].contribution.CreatedAt.Before(ranked[j].contribution.CreatedAt)
	})

	tries := 0
	for _, cand := range ranked {
		if tries >= s.params.MatchRetries {
			break
		}
		tries++
		p := store.Placement{
			ID:             uuid.NewString(),
			ContributionID: cand.contribution.ID,
			RequestID:      r.ID,
			FromDomain:     cand.contribution.Domain,
			ToDomain:       r.Domain,
			RelevanceScore: cand.score,
			State:          store.PlacementMatched,
			CreatedAt:      now,
		}
		err := s.db.ExecuteMatch(p, cand.contribution.MemberID)
		switch {
		case err == nil:
			placed, err := s.db.GetPlacement(p.ID)
			if err != nil {
				return nil, err
			}
			s.publish("placement.matched", *placed)
			s.logger.Info("request matched",
				slog.String("request_id", r.ID),
				slog.String("placement_id", p.ID),
				slog.String("from", p.FromDomain),
				slog.String("to", p.ToDomain),
				slog.Float64("score", p.RelevanceScore))
			return placed, nil
		case errors.Is(err, apperr.ErrRaceLost):
			continue // slot consumed concurrently, next candidate
		case errors.Is(err, apperr.ErrInvalidState):
			return nil, nil // request already matched elsewhere
		default:
			return nil, err
		}
	}
	return nil, nil // stays pending
}

// MatchBacklog retries every pending request against current capacity. Safe to
// run concurrently with submissions: the match commit is guarded by the
// request-status and slot conditional updates.
func (s *Service) MatchBacklog(ctx context.Context) {
	pending, err := s.db.PendingRequests()
	if err != nil {
		s.logger.Error("backlog scan failed", slog.String("error", err.Error()))
		return
	}
	for _, r := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := s.attemptMatch(r); err != nil {
			s.logger.Error("backlog match failed",
				slog.String("request_id", r.ID), slog.String("error", err.Error()))
		}
	}
}

// scoreCategories computes the Jaccard overlap |A∩B| / |A∪B| between two
// category sets after normalization. Empty input on either side scores zero.
func scoreCategories(a, b []string) float64 {
	as := toSet(normalizeCategories(a))
	bs := toSet(normalizeCategories(b))
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	inter := 0
	for c := range as {
		if _, ok := bs[c]; ok {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// normalizeCategories lowercases, trims, deduplicates, and sorts tags.
func normalizeCategories(cats []string) []string {
	seen := make(map[string]struct{}, len(cats))
	out := make([]string, 0, len(cats))
	for _, c := range cats {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func toSet(ss []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}
