// Package report folds per-scenario evaluations into the final performance
// report. Narrative text comes from the oracle; the numbers are computed and
// validated here so a misbehaving model cannot produce an inconsistent
// report.
package report

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/coachlab/simcoach/internal/domain"
	"github.com/coachlab/simcoach/internal/gateway"
	"github.com/coachlab/simcoach/internal/oracle"
)

// Synthesizer builds final reports from completed scenario results.
type Synthesizer struct {
	gw     *gateway.Gateway
	logger *slog.Logger
	now    func() time.Time
}

// NewSynthesizer creates a synthesizer over the given gateway.
func NewSynthesizer(gw *gateway.Gateway, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		gw:     gw,
		logger: logger,
		now:    time.Now,
	}
}

// Synthesize produces the final report and the closing message for a
// session. The oracle's numeric output is reconciled against the scores
// actually recorded per scenario.
func (s *Synthesizer) Synthesize(ctx context.Context, userID string, role domain.Role, profile domain.CVProfile, results []domain.ScenarioResult, language string) (*domain.FinalReport, string, error) {
	resp, err := s.gw.Complete(ctx, oracle.CompleteRequest{
		UserID:   userID,
		Role:     role,
		Profile:  profile,
		Results:  results,
		Language: language,
	})
	if err != nil {
		return nil, "", err
	}

	rep := resp.Report
	s.reconcile(&rep, results)
	return &rep, resp.CompletionMessage, nil
}

// ComprehensiveNarrative requests the optional second-pass narrative report.
// It does not alter the final report.
func (s *Synthesizer) ComprehensiveNarrative(ctx context.Context, userID string, role domain.Role, profile domain.CVProfile, results []domain.ScenarioResult, language string) (string, error) {
	return s.gw.ComprehensiveReport(ctx, oracle.ComprehensiveReportRequest{
		UserID:   userID,
		Language: language,
		Role:     role,
		Profile:  profile,
		Results:  results,
	})
}

// reconcile fills gaps and repairs out-of-range values in the oracle's
// report using the recorded evaluations.
func (s *Synthesizer) reconcile(rep *domain.FinalReport, results []domain.ScenarioResult) {
	local := AggregateCompetencies(results)

	if len(rep.Competencies) == 0 {
		rep.Competencies = local
	} else {
		for _, name := range domain.CompetencyNames {
			v, ok := rep.Competencies[name]
			if !ok || v < 0 || v > 10 {
				rep.Competencies[name] = local[name]
			}
		}
	}

	if rep.OverallScore < 0 || rep.OverallScore > 10 || rep.OverallScore == 0 {
		rep.OverallScore = OverallScore(results)
	}
	if rep.Readiness < 0 || rep.Readiness > 100 || rep.Readiness == 0 {
		rep.Readiness = math.Round(rep.OverallScore * 10)
	}

	if !validRank(rep.Rank) {
		s.logger.Debug("oracle returned unknown rank, deriving from score", "rank", rep.Rank)
		rep.Rank = domain.RankForScore(rep.OverallScore)
	}

	rep.GeneratedAt = s.now()
}

// AggregateCompetencies averages the per-scenario competency scores across
// all results, falling back to the scenario's overall score for axes the
// evaluation did not grade.
func AggregateCompetencies(results []domain.ScenarioResult) map[string]float64 {
	agg := make(map[string]float64, len(domain.CompetencyNames))
	if len(results) == 0 {
		return agg
	}

	for _, name := range domain.CompetencyNames {
		var sum float64
		for _, r := range results {
			if v, ok := r.Evaluation.Competencies[name]; ok {
				sum += float64(v)
			} else {
				sum += float64(r.Evaluation.Score)
			}
		}
		agg[name] = roundScore(sum / float64(len(results)))
	}
	return agg
}

// OverallScore averages the per-scenario scores.
func OverallScore(results []domain.ScenarioResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += float64(r.Evaluation.Score)
	}
	return roundScore(sum / float64(len(results)))
}

func validRank(r domain.Rank) bool {
	for _, known := range domain.Ranks {
		if r == known {
			return true
		}
	}
	return false
}

func roundScore(v float64) float64 {
	return math.Round(v*10) / 10
}
