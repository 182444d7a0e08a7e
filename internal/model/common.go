package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// RetryConfig represents egress retry configuration
type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts" bson:"max_attempts"`
	InitialDelayMs int     `json:"initial_delay_ms" bson:"initial_delay_ms"`
	MaxDelayMs     int     `json:"max_delay_ms" bson:"max_delay_ms"`
	Multiplier     float64 `json:"multiplier" bson:"multiplier"`
}

// SetDefaults sets default values for retry configuration
func (rc *RetryConfig) SetDefaults() {
	if rc.MaxAttempts == 0 {
		rc.MaxAttempts = 3
	}
	if rc.InitialDelayMs == 0 {
		rc.InitialDelayMs = 1000
	}
	if rc.MaxDelayMs == 0 {
		rc.MaxDelayMs = 30000
	}
	if rc.Multiplier == 0 {
		rc.Multiplier = 2.0
	}
}

// EgressTarget describes where coverage_ratio events are delivered
type EgressTarget struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	RetryConfig RetryConfig       `json:"retry_config,omitempty"`
}

// Validate validates the egress target and fills in defaults
func (t *EgressTarget) Validate() error {
	if t.URL == "" {
		return errors.New("egress URL is required")
	}

	parsedURL, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("invalid egress URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return errors.New("egress URL must start with http:// or https://")
	}

	if t.Method == "" {
		t.Method = "POST"
	}
	t.Method = strings.ToUpper(t.Method)
	if t.Method != "POST" && t.Method != "PUT" {
		return fmt.Errorf("invalid egress method: %s (must be POST or PUT)", t.Method)
	}

	t.RetryConfig.SetDefaults()

	return nil
}
