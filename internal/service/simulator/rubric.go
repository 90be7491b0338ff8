package simulator

import (
	"math"
	"strings"
)

// Rubric weights. Every criterion is scored on [0, 100]; sentiment is a
// polarity on [-1, 1].
//
//	risk        = (0.5*severity + 0.3*reach + 0.2*urgency) * (1 - 0.5*sentiment)
//	opportunity = (0.2*severity + 0.5*reach + 0.3*urgency) * (1 + 0.5*sentiment)
//	confidence  = (0.4 + 0.6*coverage) * 0.97^stepIndex
//
// Results are clamped to [0, 100], [0, 100] and [0, 1].
const (
	RiskSeverityWeight = 0.5
	RiskReachWeight    = 0.3
	RiskUrgencyWeight  = 0.2

	OpportunitySeverityWeight = 0.2
	OpportunityReachWeight    = 0.5
	OpportunityUrgencyWeight  = 0.3

	// SentimentFactor scales how far polarity moves risk down and
	// opportunity up.
	SentimentFactor = 0.5

	ConfidenceBase           = 0.4
	ConfidenceCoverageWeight = 0.6
	// ConfidenceStepDecay discounts later steps of a forecast.
	ConfidenceStepDecay = 0.97
)

// Keyword derivation for criteria the generation backend did not score.
const (
	// KeywordBaseScore is the score of a criterion with no matching terms.
	KeywordBaseScore = 30.0
	// KeywordPoints is added per distinct matching term.
	KeywordPoints = 15.0
)

// Criterion names as they appear in structured generation scores.
const (
	CriterionSeverity  = "severity"
	CriterionReach     = "reach"
	CriterionUrgency   = "urgency"
	CriterionSentiment = "sentiment"
)

var criterionAliases = map[string]string{
	"severity":         CriterionSeverity,
	"newsworthiness":   CriterionSeverity,
	"reach":            CriterionReach,
	"impact":           CriterionReach,
	"audience_reach":   CriterionReach,
	"urgency":          CriterionUrgency,
	"time_sensitivity": CriterionUrgency,
	"sentiment":        CriterionSentiment,
	"polarity":         CriterionSentiment,
}

var (
	severityTerms = []string{
		"recall", "breach", "lawsuit", "injury", "outage", "crisis",
		"fatal", "investigation", "fine", "scandal", "leak", "contamination",
	}
	reachTerms = []string{
		"national", "viral", "trending", "global", "millions", "headline",
		"broadcast", "nationwide", "international", "front page", "influencer",
	}
	urgencyTerms = []string{
		"immediately", "urgent", "breaking", "today", "deadline", "hours",
		"escalating", "imminent", "asap", "now",
	}
	positiveTerms = []string{
		"praise", "support", "resolved", "trust", "positive", "recovery",
		"apology accepted", "favorable", "stable", "calm",
	}
	negativeTerms = []string{
		"backlash", "outrage", "angry", "boycott", "negative", "criticism",
		"distrust", "hostile", "complaint", "panic",
	}
)

// Criteria are the rubric inputs of one forecast step.
type Criteria struct {
	Severity  float64 `json:"severity"`
	Reach     float64 `json:"reach"`
	Urgency   float64 `json:"urgency"`
	Sentiment float64 `json:"sentiment"`
	// Coverage is the fraction of severity, reach and urgency that came
	// from structured scores rather than keywords.
	Coverage float64 `json:"coverage"`
}

// Scores are the rubric outputs of one forecast step.
type Scores struct {
	Risk        float64 `json:"risk"`
	Opportunity float64 `json:"opportunity"`
	Confidence  float64 `json:"confidence"`
}

// DeriveCriteria prefers structured scores and falls back to the keyword
// lexicons over text.
func DeriveCriteria(structured map[string]float64, text string) Criteria {
	supplied := make(map[string]float64, len(structured))
	for key, value := range structured {
		if name, ok := criterionAliases[strings.ToLower(strings.TrimSpace(key))]; ok && !math.IsNaN(value) && !math.IsInf(value, 0) {
			supplied[name] = value
		}
	}
	lower := strings.ToLower(text)

	var c Criteria
	covered := 0
	pick := func(name string, terms []string) float64 {
		if v, ok := supplied[name]; ok {
			covered++
			return clamp(v, 0, 100)
		}
		return keywordScore(lower, terms)
	}
	c.Severity = pick(CriterionSeverity, severityTerms)
	c.Reach = pick(CriterionReach, reachTerms)
	c.Urgency = pick(CriterionUrgency, urgencyTerms)
	if v, ok := supplied[CriterionSentiment]; ok {
		c.Sentiment = clamp(v, -1, 1)
	} else {
		c.Sentiment = keywordSentiment(lower)
	}
	c.Coverage = float64(covered) / 3
	return c
}

// Score applies the rubric. stepIndex is the zero-based index of the step
// within its forecast.
func Score(c Criteria, stepIndex int) Scores {
	severity := clamp(c.Severity, 0, 100)
	reach := clamp(c.Reach, 0, 100)
	urgency := clamp(c.Urgency, 0, 100)
	sentiment := clamp(c.Sentiment, -1, 1)
	coverage := clamp(c.Coverage, 0, 1)
	if stepIndex < 0 {
		stepIndex = 0
	}

	risk := (RiskSeverityWeight*severity + RiskReachWeight*reach + RiskUrgencyWeight*urgency) * (1 - SentimentFactor*sentiment)
	opportunity := (OpportunitySeverityWeight*severity + OpportunityReachWeight*reach + OpportunityUrgencyWeight*urgency) * (1 + SentimentFactor*sentiment)
	confidence := (ConfidenceBase + ConfidenceCoverageWeight*coverage) * math.Pow(ConfidenceStepDecay, float64(stepIndex))

	return Scores{
		Risk:        round2(clamp(risk, 0, 100)),
		Opportunity: round2(clamp(opportunity, 0, 100)),
		Confidence:  round4(clamp(confidence, 0, 1)),
	}
}

func keywordScore(text string, terms []string) float64 {
	hits := 0
	for _, term := range terms {
		if strings.Contains(text, term) {
			hits++
		}
	}
	return clamp(KeywordBaseScore+KeywordPoints*float64(hits), 0, 100)
}

func keywordSentiment(text string) float64 {
	pos, neg := 0, 0
	for _, term := range positiveTerms {
		if strings.Contains(text, term) {
			pos++
		}
	}
	for _, term := range negativeTerms {
		if strings.Contains(text, term) {
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
