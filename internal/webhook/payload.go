package webhook

import (
	"time"

	"github.com/dandantas/gatekeeper/internal/model"
)

// JobData is the job half of the coverage_ratio body
type JobData struct {
	Name           string   `json:"job_name"`
	Industry       string   `json:"job_industry"`
	HardSkills     []string `json:"job_hard_skills"`
	SoftSkills     []string `json:"job_soft_skills"`
	LanguageSkills []string `json:"job_language_skills"`
}

// CandidateData is the candidate half of the coverage_ratio body
type CandidateData struct {
	Name           string   `json:"candidate_name"`
	Industry       string   `json:"candidate_industry"`
	HardSkills     []string `json:"candidate_hard_skills"`
	SoftSkills     []string `json:"candidate_soft_skills"`
	LanguageSkills []string `json:"candidate_language_skills"`
	Experience     []string `json:"candidate_experience"`
}

// CoverageRatioPayload is the body delivered to the coverage-ratio consumer
type CoverageRatioPayload struct {
	EventID        string        `json:"event_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Type           string        `json:"type"`
	RunID          string        `json:"run_id"`
	JobData        JobData       `json:"job_data"`
	CandData       CandidateData `json:"cand_data"`
	EmittedAt      string        `json:"emitted_at"`
}

// FormatCoverageRatioPayload maps the event onto the wire body the consumer expects
func FormatCoverageRatioPayload(ev model.CoverageRatioEvent) CoverageRatioPayload {
	return CoverageRatioPayload{
		EventID:        ev.EventID,
		IdempotencyKey: ev.IdempotencyKey,
		Type:           ev.Type,
		RunID:          ev.RunID,
		JobData: JobData{
			Name:           ev.Job.Name,
			Industry:       ev.Job.Industry,
			HardSkills:     nonNil(ev.Job.HardSkills),
			SoftSkills:     nonNil(ev.Job.SoftSkills),
			LanguageSkills: nonNil(ev.Job.LanguageSkills),
		},
		CandData: CandidateData{
			Name:           ev.Candidate.Name,
			Industry:       ev.Candidate.Industry,
			HardSkills:     nonNil(ev.Candidate.HardSkills),
			SoftSkills:     nonNil(ev.Candidate.SoftSkills),
			LanguageSkills: nonNil(ev.Candidate.LanguageSkills),
			Experience:     nonNil(ev.Candidate.Experience),
		},
		EmittedAt: ev.EmittedAt.UTC().Format(time.RFC3339),
	}
}

// nonNil keeps empty skill lists as [] rather than null on the wire
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
