// Package model defines the core value types shared across the pipeline.
package model

import "time"

// ReviewStatus is the lifecycle state of an Interaction.
type ReviewStatus string

const (
	StatusPending  ReviewStatus = "pending"
	StatusApproved ReviewStatus = "approved"
	StatusRejected ReviewStatus = "rejected"
	StatusSent     ReviewStatus = "sent"
	StatusFailed   ReviewStatus = "failed"
)

// Recommendation is the safety evaluator's non-binding verdict.
type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendReview  Recommendation = "review"
	RecommendReject  Recommendation = "reject"
)

// Metering carries per-stage cost/token accounting for one LLM call.
type Metering struct {
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Estimated        bool    `json:"estimated"`
}

// CTAData is the reviewer/dashboard-writable call-to-action payload. The
// core never reads or mutates its fields; it only round-trips them.
type CTAData struct {
	Kind    string            `json:"kind,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Safety holds the constitution evaluator's output for one interaction.
type Safety struct {
	Risk           float64        `json:"risk"`
	Flags          []string       `json:"flags"`
	Recommendation Recommendation `json:"recommendation"`
}

// Interaction is the single unit of work flowing through the pipeline.
// Optional/nullable relational columns are represented as pointers so a
// zero value is distinguishable from "not yet set".
type Interaction struct {
	ID             string
	UserID         string
	ConversationID string
	MessageNumber  int64

	UserMessage          string
	UserMessageTimestamp time.Time

	LLM1RawResponse string
	LLM2Bubbles     []string
	FinalBubbles    []string
	EditTags        []string
	ReviewerNotes   string
	QualityScore    *int

	Safety Safety

	LLM1 Metering
	LLM2 Metering

	ReviewStatus   ReviewStatus
	ReviewSeconds  float64
	CreatedAt      time.Time
	ReviewedAt     *time.Time
	MessagesSentAt *time.Time

	CTAData        *CTAData
	CustomerStatus *string
}

// TotalCostUSD sums the two LLM stage costs.
func (i Interaction) TotalCostUSD() float64 {
	return i.LLM1.CostUSD + i.LLM2.CostUSD
}

// Priority computes the review-queue ordering score: risk descending, then
// arrival ascending (older interactions score slightly higher so FIFO is
// preserved among equal-risk items). ageSeconds should be
// time.Since(CreatedAt).Seconds() at enqueue time.
func Priority(risk float64, ageSeconds float64, weightRisk float64) float64 {
	const ageScale = 1.0 / 3600.0 // age contributes at most ~1.0 over an hour
	agePenalty := ageSeconds * ageScale
	if agePenalty > 1.0 {
		agePenalty = 1.0
	}
	return risk*weightRisk + agePenalty
}

// ValidTransition reports whether moving from one ReviewStatus to another is
// allowed by the DAG {pending->approved->sent}, {pending->rejected},
// {pending|approved->failed}. Identical from==to is treated as a no-op
// success so idempotent retries don't trip validation.
func ValidTransition(from, to ReviewStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		switch to {
		case StatusApproved, StatusRejected, StatusFailed:
			return true
		}
	case StatusApproved:
		switch to {
		case StatusSent, StatusFailed:
			return true
		}
	}
	return false
}
