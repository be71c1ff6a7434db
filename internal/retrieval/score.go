package retrieval

import (
	"math"
	"time"
)

// =============================================================================
// RELEVANCE SCORING
// =============================================================================

// Ranking constants. The weights sum to 1.0.
const (
	WeightRRF      = 0.60
	WeightRecency  = 0.20
	WeightOutcome  = 0.05
	WeightFeedback = 0.15

	// RRFConstant is the k in 1/(k+rank).
	RRFConstant = 60

	// RecencyTauDays controls exponential age decay.
	RecencyTauDays = 14.0

	// MMRLambda trades relevance against redundancy in diversification.
	MMRLambda = 0.7

	// CategoryCapWindow and CategoryCapMax bound how many results of one
	// category may appear in the leading positions.
	CategoryCapWindow = 5
	CategoryCapMax    = 2

	// MaxExpansions bounds extra query variants beyond the original.
	MaxExpansions = 5

	// VariantMaxLen drops oversize expansion variants.
	VariantMaxLen = 500

	// CandidatesPerVariant is the per-modality depth of each retrieval list.
	CandidatesPerVariant = 100

	// NeutralFeedback is the Bayesian prior returned with no usage history.
	NeutralFeedback = 0.5
)

// FeedbackScorer supplies the usage-feedback component of the relevance
// score. A nil scorer means every candidate is neutral.
type FeedbackScorer interface {
	FeedbackScore(learningID int64) (float64, error)
}

// recencyScore decays exponentially with the learning's age in days.
func recencyScore(createdAt, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / RecencyTauDays)
}

// outcomeBoost maps a nil outcome to zero contribution.
func outcomeBoost(score *float64) float64 {
	if score == nil {
		return 0
	}
	return *score
}

// relevance assembles the weighted score for one candidate. rrfNorm must
// already be scaled into [0,1] by the result set's maximum.
func relevance(rrfNorm, recency, outcome, feedback float64) float64 {
	return WeightRRF*rrfNorm + WeightRecency*recency + WeightOutcome*outcome + WeightFeedback*feedback
}
