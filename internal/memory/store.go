package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ensemble-trading-bot-go/internal/models"
	"ensemble-trading-bot-go/internal/persistence"
	"ensemble-trading-bot-go/internal/risk"

	"github.com/google/uuid"
)

// Store is the learning memory. It keeps trade outcomes, derives the
// win/loss statistics that feed Kelly sizing and provider reweighting,
// and serves lesson excerpts used to enrich decision prompts.
//
// Outcomes are append-only: they are written through to the repository
// and never mutated afterwards. All statistics are computed from net
// P&L; gross P&L would bias the sizing statistics optimistic.
type Store struct {
	mu       sync.Mutex
	repo     persistence.Repository
	outcomes []models.TradeOutcome
	lessons  []models.Lesson
}

// NewStore creates the learning store and warms it from the repository.
func NewStore(repo persistence.Repository) (*Store, error) {
	s := &Store{repo: repo}

	outcomes, err := repo.Outcomes()
	if err != nil {
		return nil, fmt.Errorf("loading trade outcomes: %w", err)
	}
	s.outcomes = outcomes
	for _, out := range outcomes {
		s.lessons = append(s.lessons, lessonFromOutcome(out))
	}
	return s, nil
}

// RecordOutcome appends a closed trade's result and distills a lesson from it.
func (s *Store) RecordOutcome(out models.TradeOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.AppendOutcome(&out); err != nil {
		return err
	}
	s.outcomes = append(s.outcomes, out)
	s.lessons = append(s.lessons, lessonFromOutcome(out))
	return nil
}

// Stats returns the aggregate win/loss statistics across all outcomes.
func (s *Store) Stats() risk.TradeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return computeStats(s.outcomes, "")
}

// ProviderStats returns the win/loss statistics for trades a given
// provider voted for. Used to reweight providers over time.
func (s *Store) ProviderStats(provider string) risk.TradeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return computeStats(s.outcomes, provider)
}

// ProviderWeights derives updated ensemble weights from per-provider
// accuracy. A provider with no attributed trades keeps its base weight.
// Weights shift gradually: new = base * (0.5 + win_rate).
func (s *Store) ProviderWeights(base map[string]float64) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]float64, len(base))
	for name, w := range base {
		stats := computeStats(s.outcomes, name)
		if stats.Total() == 0 {
			out[name] = w
			continue
		}
		out[name] = w * (0.5 + stats.WinRate())
	}
	return out
}

// QuerySimilar returns up to limit lessons relevant to the given context,
// scored by keyword overlap with the symbol plus recency.
func (s *Store) QuerySimilar(mc models.MarketContext, limit int) []models.Lesson {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || len(s.lessons) == 0 {
		return nil
	}

	type scored struct {
		lesson models.Lesson
		score  float64
	}
	now := time.Now()
	candidates := make([]scored, 0, len(s.lessons))
	for _, l := range s.lessons {
		candidates = append(candidates, scored{lesson: l, score: lessonScore(l, mc, now)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]models.Lesson, len(candidates))
	for i, c := range candidates {
		out[i] = c.lesson
	}
	return out
}

// lessonScore combines symbol match, tag overlap and recency.
// Recency decays over 30 days so stale lessons fade out of prompts.
func lessonScore(l models.Lesson, mc models.MarketContext, now time.Time) float64 {
	var score float64
	if l.Symbol == mc.Symbol {
		score += 2
	}
	for _, tag := range l.Tags {
		if strings.Contains(strings.ToLower(mc.Symbol), strings.ToLower(tag)) {
			score += 0.5
		}
	}

	age := now.Sub(l.CreatedAt)
	recency := 1 - age.Hours()/(30*24)
	if recency < 0 {
		recency = 0
	}
	return score + recency
}

// lessonFromOutcome distills a one-line lesson from a closed trade.
func lessonFromOutcome(out models.TradeOutcome) models.Lesson {
	verdict := "won"
	if out.NetPnL < 0 {
		verdict = "lost"
	}
	summary := fmt.Sprintf("%s %s %s %.2f USDT net (exit: %s, held %s)",
		out.Action, out.Symbol, verdict, out.NetPnL, out.ExitReason,
		out.HoldDuration.Round(time.Minute))

	return models.Lesson{
		ID:        uuid.NewString(),
		Symbol:    out.Symbol,
		Summary:   summary,
		Tags:      []string{string(out.Action), out.ExitReason},
		NetPnL:    out.NetPnL,
		CreatedAt: out.ClosedAt,
	}
}

// computeStats aggregates outcomes into win/loss statistics, optionally
// restricted to trades the given provider voted for.
func computeStats(outcomes []models.TradeOutcome, provider string) risk.TradeStats {
	var stats risk.TradeStats
	var winSum, lossSum float64

	for _, out := range outcomes {
		if provider != "" && !attributed(out, provider) {
			continue
		}
		if out.NetPnL > 0 {
			stats.Wins++
			winSum += out.NetPnL
		} else if out.NetPnL < 0 {
			stats.Losses++
			lossSum += -out.NetPnL
		}
	}
	if stats.Wins > 0 {
		stats.AvgWin = winSum / float64(stats.Wins)
	}
	if stats.Losses > 0 {
		stats.AvgLoss = lossSum / float64(stats.Losses)
	}
	return stats
}

func attributed(out models.TradeOutcome, provider string) bool {
	for _, p := range out.Providers {
		if p == provider {
			return true
		}
	}
	return false
}
