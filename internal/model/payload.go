package model

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// JobPayload is the structured result of the job-side extraction branch
type JobPayload struct {
	Name           string   `json:"name" bson:"name" validate:"max=512"`
	Industry       string   `json:"industry" bson:"industry" validate:"max=512"`
	HardSkills     []string `json:"hard_skills" bson:"hard_skills" validate:"dive,required,max=256"`
	SoftSkills     []string `json:"soft_skills" bson:"soft_skills" validate:"dive,required,max=256"`
	LanguageSkills []string `json:"language_skills" bson:"language_skills" validate:"dive,required,max=256"`
}

// Validate checks the payload against its schema
func (p *JobPayload) Validate() error {
	return validate.Struct(p)
}

// Skills returns the skill lists of the payload
func (p *JobPayload) Skills() Skills {
	return Skills{Hard: p.HardSkills, Soft: p.SoftSkills, Language: p.LanguageSkills}
}

// Clone returns a deep copy of the payload
func (p *JobPayload) Clone() *JobPayload {
	c := *p
	c.HardSkills = cloneStrings(p.HardSkills)
	c.SoftSkills = cloneStrings(p.SoftSkills)
	c.LanguageSkills = cloneStrings(p.LanguageSkills)
	return &c
}

// CandidatePayload is the structured result of the candidate-side extraction branch
type CandidatePayload struct {
	Name           string   `json:"name" bson:"name" validate:"max=512"`
	Industry       string   `json:"industry" bson:"industry" validate:"max=512"`
	HardSkills     []string `json:"hard_skills" bson:"hard_skills" validate:"dive,required,max=256"`
	SoftSkills     []string `json:"soft_skills" bson:"soft_skills" validate:"dive,required,max=256"`
	LanguageSkills []string `json:"language_skills" bson:"language_skills" validate:"dive,required,max=256"`
	Experience     []string `json:"experience" bson:"experience" validate:"dive,required,max=4096"`
}

// Validate checks the payload against its schema
func (p *CandidatePayload) Validate() error {
	return validate.Struct(p)
}

// Skills returns the skill lists of the payload
func (p *CandidatePayload) Skills() Skills {
	return Skills{Hard: p.HardSkills, Soft: p.SoftSkills, Language: p.LanguageSkills}
}

// Clone returns a deep copy of the payload
func (p *CandidatePayload) Clone() *CandidatePayload {
	c := *p
	c.HardSkills = cloneStrings(p.HardSkills)
	c.SoftSkills = cloneStrings(p.SoftSkills)
	c.LanguageSkills = cloneStrings(p.LanguageSkills)
	c.Experience = cloneStrings(p.Experience)
	return &c
}

// Skills groups the three skill categories shared by both payloads
type Skills struct {
	Hard     []string
	Soft     []string
	Language []string
}

// Total returns the number of skills across all categories
func (s Skills) Total() int {
	return len(s.Hard) + len(s.Soft) + len(s.Language)
}

// SkillPolicy decides when an extracted payload is complete enough to join.
// Upstream producers disagree on whether an empty category means failure, so
// every threshold is configurable.
type SkillPolicy struct {
	RequireName     bool
	RequireHard     bool
	RequireSoft     bool
	RequireLanguage bool
	MinTotalSkills  int
}

// DefaultSkillPolicy requires a name and at least one skill in any category
func DefaultSkillPolicy() SkillPolicy {
	return SkillPolicy{
		RequireName:    true,
		MinTotalSkills: 1,
	}
}

// IncompletePayloadError reports a payload that is well-formed but not usable for a join
type IncompletePayloadError struct {
	Kind   Kind
	Reason string
}

func (e *IncompletePayloadError) Error() string {
	return fmt.Sprintf("incomplete %s payload: %s", e.Kind, e.Reason)
}

// CheckJob applies the policy to a job payload
func (p SkillPolicy) CheckJob(payload *JobPayload) error {
	if payload == nil {
		return &IncompletePayloadError{Kind: KindJobExtract, Reason: "payload missing"}
	}
	return p.check(KindJobExtract, payload.Name, payload.Skills())
}

// CheckCandidate applies the policy to a candidate payload
func (p SkillPolicy) CheckCandidate(payload *CandidatePayload) error {
	if payload == nil {
		return &IncompletePayloadError{Kind: KindCandExtract, Reason: "payload missing"}
	}
	return p.check(KindCandExtract, payload.Name, payload.Skills())
}

func (p SkillPolicy) check(kind Kind, name string, skills Skills) error {
	if p.RequireName && strings.TrimSpace(name) == "" {
		return &IncompletePayloadError{Kind: kind, Reason: "name is empty"}
	}
	if p.RequireHard && len(skills.Hard) == 0 {
		return &IncompletePayloadError{Kind: kind, Reason: "no hard skills"}
	}
	if p.RequireSoft && len(skills.Soft) == 0 {
		return &IncompletePayloadError{Kind: kind, Reason: "no soft skills"}
	}
	if p.RequireLanguage && len(skills.Language) == 0 {
		return &IncompletePayloadError{Kind: kind, Reason: "no language skills"}
	}
	if total := skills.Total(); total < p.MinTotalSkills {
		return &IncompletePayloadError{
			Kind:   kind,
			Reason: fmt.Sprintf("%d skills extracted, at least %d required", total, p.MinTotalSkills),
		}
	}
	return nil
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
