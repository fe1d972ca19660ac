package domain

import "time"

// Rank is the readiness label assigned by the final report.
type Rank string

const (
	RankBeginner     Rank = "Beginner"
	RankIntermediate Rank = "Intermediate"
	RankAdvanced     Rank = "Advanced"
	RankExpert       Rank = "Expert"
)

// Ranks lists the valid rank labels in ascending order.
var Ranks = []Rank{RankBeginner, RankIntermediate, RankAdvanced, RankExpert}

// CompetencyNames are the per-scenario competency axes folded into the
// final report.
var CompetencyNames = []string{
	"planning",
	"task_management",
	"thinking",
	"behavior",
	"decision_making",
}

// RankForScore maps an overall score on the 0-10 scale to a rank label.
func RankForScore(score float64) Rank {
	switch {
	case score < 4.0:
		return RankBeginner
	case score < 6.5:
		return RankIntermediate
	case score < 8.5:
		return RankAdvanced
	default:
		return RankExpert
	}
}

// FinalReport is the aggregate scored outcome of a completed session.
// Created once, from the full scenario result sequence.
type FinalReport struct {
	OverallScore    float64            `json:"overall_score"`
	Readiness       float64            `json:"readiness"` // percentage, 0-100
	Rank            Rank               `json:"rank"`
	Competencies    map[string]float64 `json:"competencies"`
	KeyStrengths    []string           `json:"key_strengths"`
	AreasToImprove  []string           `json:"areas_to_improve"`
	Recommendations string             `json:"recommendations"`
	GeneratedAt     time.Time          `json:"generated_at"`
}
