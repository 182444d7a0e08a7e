// Package ingress turns raw branch notifications into normalized events.
package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oliveagle/jsonpath"

	"github.com/dandantas/gatekeeper/internal/model"
)

// Selectors are the JSONPath expressions locating the event fields
type Selectors struct {
	RunID string
	Kind  string
	Data  string
}

// DefaultSelectors matches notifications shaped {"run_id", "type", "data"}
func DefaultSelectors() Selectors {
	return Selectors{
		RunID: "$.run_id",
		Kind:  "$.type",
		Data:  "$.data",
	}
}

// MalformedEventError reports a notification the coordinator cannot act on
type MalformedEventError struct {
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
	}
	return "malformed event: " + e.Reason
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

func malformed(reason string, err error) error {
	return &MalformedEventError{Reason: reason, Err: err}
}

// IsMalformed reports whether err is a MalformedEventError
func IsMalformed(err error) bool {
	var m *MalformedEventError
	return errors.As(err, &m)
}

// Normalizer extracts (run_id, kind, payload) from raw notifications
type Normalizer struct {
	runID      *jsonpath.Compiled
	kind       *jsonpath.Compiled
	data       *jsonpath.Compiled
	kindPrefix string
	now        func() time.Time
}

// NewNormalizer compiles the selectors. kindPrefix is the upstream namespace
// stripped from kind names, e.g. "ferris.apps.hr.".
func NewNormalizer(sel Selectors, kindPrefix string) (*Normalizer, error) {
	runID, err := compile(sel.RunID)
	if err != nil {
		return nil, err
	}
	kind, err := compile(sel.Kind)
	if err != nil {
		return nil, err
	}
	data, err := compile(sel.Data)
	if err != nil {
		return nil, err
	}

	return &Normalizer{
		runID:      runID,
		kind:       kind,
		data:       data,
		kindPrefix: kindPrefix,
		now:        time.Now,
	}, nil
}

func compile(expression string) (*jsonpath.Compiled, error) {
	pattern, err := jsonpath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath expression '%s': %w", expression, err)
	}
	return pattern, nil
}

// Normalize parses a raw notification.
//
// A notification without run ID or kind, or whose payload violates the
// payload schema, yields a MalformedEventError. An unrecognized kind yields
// an event with an empty Kind and no error; callers ignore it.
func (n *Normalizer) Normalize(raw []byte) (model.Event, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.Event{}, malformed("body is not valid JSON", err)
	}
	if _, ok := doc.(map[string]interface{}); !ok {
		return model.Event{}, malformed("body is not a JSON object", nil)
	}

	rawKind, err := n.lookupString(doc, n.kind)
	if err != nil || rawKind == "" {
		return model.Event{}, malformed("event kind is missing", err)
	}

	runID, err := n.lookupString(doc, n.runID)
	if err != nil || runID == "" {
		return model.Event{RawKind: rawKind}, malformed("run_id is missing", err)
	}

	ev := model.Event{
		RunID:      runID,
		RawKind:    rawKind,
		ReceivedAt: n.now().UTC(),
	}

	kind, ok := model.ParseKind(strings.TrimPrefix(rawKind, n.kindPrefix))
	if !ok {
		slog.Debug("Ignoring unrecognized event kind",
			"run_id", runID,
			"kind", rawKind,
		)
		return ev, nil
	}
	ev.Kind = kind

	data := n.payload(doc)

	switch kind {
	case model.KindJobExtract:
		job, err := decodeJob(data)
		if err != nil {
			return ev, err
		}
		ev.Job = job
	case model.KindCandExtract:
		cand, err := decodeCandidate(data)
		if err != nil {
			return ev, err
		}
		ev.Candidate = cand
	case model.KindJobError, model.KindCandError:
		ev.Detail = detail(data)
	}

	return ev, nil
}

func (n *Normalizer) lookupString(doc interface{}, pattern *jsonpath.Compiled) (string, error) {
	value, err := pattern.Lookup(doc)
	if err != nil {
		return "", err
	}
	return CoerceToString(value)
}

// payload returns the data object, falling back to the document root for
// producers that send their fields flat alongside run_id and type.
func (n *Normalizer) payload(doc interface{}) map[string]interface{} {
	if value, err := n.data.Lookup(doc); err == nil {
		if data, ok := value.(map[string]interface{}); ok {
			return data
		}
	}
	return doc.(map[string]interface{})
}

// first returns the value of the first key present in data
func first(data map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// fieldReader reads payload fields by alias and keeps the first failure
type fieldReader struct {
	data  map[string]interface{}
	field string
	err   error
}

func (r *fieldReader) fail(field string, err error) {
	if r.err == nil {
		r.field, r.err = field, err
	}
}

func (r *fieldReader) str(field string, keys ...string) string {
	s, err := CoerceToString(first(r.data, keys...))
	if err != nil {
		r.fail(field, err)
	}
	return s
}

func (r *fieldReader) list(field string, keys ...string) []string {
	l, err := CoerceToStringList(first(r.data, keys...))
	if err != nil {
		r.fail(field, err)
	}
	return l
}

// text reads a list of free-text entries; a plain string is one entry, not split on commas
func (r *fieldReader) text(field string, keys ...string) []string {
	v := first(r.data, keys...)
	if s, ok := v.(string); ok {
		v = []interface{}{s}
	}
	l, err := CoerceToStringList(v)
	if err != nil {
		r.fail(field, err)
	}
	return l
}

func decodeJob(data map[string]interface{}) (*model.JobPayload, error) {
	r := &fieldReader{data: data}
	p := &model.JobPayload{
		Name:           r.str("name", "job", "job_name", "name"),
		Industry:       r.str("industry", "job_industry", "industry"),
		HardSkills:     r.list("hard_skills", "job_hard_skills", "hard_skills"),
		SoftSkills:     r.list("soft_skills", "job_soft_skills", "soft_skills"),
		LanguageSkills: r.list("language_skills", "job_language_skills", "language_skills"),
	}
	if r.err != nil {
		return nil, malformed("invalid job payload field "+r.field, r.err)
	}
	if err := p.Validate(); err != nil {
		return nil, malformed("job payload failed validation", err)
	}
	return p, nil
}

func decodeCandidate(data map[string]interface{}) (*model.CandidatePayload, error) {
	r := &fieldReader{data: data}
	p := &model.CandidatePayload{
		Name:           r.str("name", "candidate", "candidate_name", "name"),
		Industry:       r.str("industry", "candidate_industry", "industry"),
		HardSkills:     r.list("hard_skills", "candidate_hard_skills", "hard_skills"),
		SoftSkills:     r.list("soft_skills", "candidate_soft_skills", "soft_skills"),
		LanguageSkills: r.list("language_skills", "candidate_language_skills", "language_skills"),
		Experience:     r.text("experience", "candidate_experience", "experience"),
	}
	if r.err != nil {
		return nil, malformed("invalid candidate payload field "+r.field, r.err)
	}
	if err := p.Validate(); err != nil {
		return nil, malformed("candidate payload failed validation", err)
	}
	return p, nil
}

// detail flattens the error detail; structured details are kept as JSON text
func detail(data map[string]interface{}) string {
	v := first(data, "detail", "error", "message")
	if s, err := CoerceToString(v); err == nil {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
