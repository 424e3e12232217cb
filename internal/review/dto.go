package review

import "nadia/internal/model"

// This file has no behavior of its own — it gives the dashboard HTTP
// surface (spec.md §6, an external collaborator) Go types to marshal
// against, without this module implementing the HTTP server itself.

// ApproveDTO is the JSON body of POST /api/reviews/{id}/approve.
type ApproveDTO struct {
	FinalBubbles   []string `json:"final_bubbles"`
	EditTags       []string `json:"edit_tags,omitempty"`
	ReviewerNotes  string   `json:"reviewer_notes,omitempty"`
	QualityScore   *int     `json:"quality_score,omitempty"`
	ReviewSeconds  float64  `json:"review_time_seconds,omitempty"`
	CTAKind        string   `json:"cta_kind,omitempty"`
	CustomerStatus *string  `json:"customer_status,omitempty"`
}

// ToApproveRequest converts the wire shape into the ApproveRequest Manager
// understands.
func (d ApproveDTO) ToApproveRequest() ApproveRequest {
	var cta *model.CTAData
	if d.CTAKind != "" {
		cta = &model.CTAData{Kind: d.CTAKind}
	}
	return ApproveRequest{
		FinalBubbles:   d.FinalBubbles,
		EditTags:       d.EditTags,
		Notes:          d.ReviewerNotes,
		QualityScore:   d.QualityScore,
		ReviewSeconds:  d.ReviewSeconds,
		CTA:            cta,
		CustomerStatus: d.CustomerStatus,
	}
}

// RejectDTO is the JSON body of POST /api/reviews/{id}/reject.
type RejectDTO struct {
	Reason string `json:"reason"`
}

// PendingReviewDTO is one element of the GET /api/reviews/pending response.
type PendingReviewDTO struct {
	ID             string   `json:"id"`
	UserID         string   `json:"user_id"`
	UserMessage    string   `json:"user_message"`
	LLM2Bubbles    []string `json:"llm2_bubbles"`
	Risk           float64  `json:"constitution_risk_score"`
	Flags          []string `json:"constitution_flags"`
	Recommendation string   `json:"constitution_recommendation"`
	CreatedAt      string   `json:"created_at"`
}

// ToPendingReviewDTO projects an Interaction onto the dashboard's pending-
// list wire shape.
func ToPendingReviewDTO(in model.Interaction) PendingReviewDTO {
	return PendingReviewDTO{
		ID:             in.ID,
		UserID:         in.UserID,
		UserMessage:    in.UserMessage,
		LLM2Bubbles:    in.LLM2Bubbles,
		Risk:           in.Safety.Risk,
		Flags:          in.Safety.Flags,
		Recommendation: string(in.Safety.Recommendation),
		CreatedAt:      in.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}
