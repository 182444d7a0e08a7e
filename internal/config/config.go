package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oliveagle/jsonpath"
	"github.com/robfig/cron/v3"

	"github.com/dandantas/gatekeeper/internal/ingress"
	"github.com/dandantas/gatekeeper/internal/model"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	// Store Configuration
	StoreBackend    string
	StoreMaxRetries int
	MongoURI        string
	MongoDatabase   string
	MongoTimeout    time.Duration
	PostgresURL     string

	// HTTP Server Configuration
	HTTPPort         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPMaxBodyBytes int64

	// Worker Pool Configuration
	WorkerPoolSize  int
	WorkerQueueSize   int
	BatchMaxItems     int
	BatchMaxBodyBytes int64

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Join Configuration
	InstanceID         string
	RunTimeout         time.Duration
	TombstoneRetention time.Duration
	DeliveryLeaseTTL   time.Duration

	// Skill Policy Configuration
	SkillRequireName     bool
	SkillRequireHard     bool
	SkillRequireSoft     bool
	SkillRequireLanguage bool
	SkillMinTotal        int

	// Ingress Configuration
	IngressRunIDPath  string
	IngressKindPath   string
	IngressDataPath   string
	IngressKindPrefix string

	// Egress Configuration
	EgressURL              string
	EgressMethod           string
	EgressHeaders          map[string]string
	EgressTimeout          time.Duration
	EgressMaxAttempts      int
	EgressInitialDelayMs   int
	EgressMaxDelayMs       int
	EgressMultiplier       float64
	EgressCircuitFailures  int
	EgressCircuitOpenAfter time.Duration

	// Reaper Configuration
	ReaperEnabled     bool
	ReaperSchedule    string
	ReaperLockTTL     time.Duration
	ReaperBatchSize   int
	ReaperConcurrency int
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	return &Config{
		// Store
		StoreBackend:    strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		StoreMaxRetries: getIntEnv("STORE_MAX_RETRIES", 16),
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017/gatekeeper?authSource=admin"),
		MongoDatabase:   getEnv("MONGO_DATABASE", "gatekeeper"),
		MongoTimeout:    getDurationEnv("MONGO_TIMEOUT_SEC", 10) * time.Second,
		PostgresURL:     getEnv("POSTGRES_URL", "postgres://localhost:5432/gatekeeper?sslmode=disable"),

		// HTTP Server
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		HTTPReadTimeout:  getDurationEnv("HTTP_READ_TIMEOUT_SEC", 30) * time.Second,
		HTTPWriteTimeout: getDurationEnv("HTTP_WRITE_TIMEOUT_SEC", 60) * time.Second,
		HTTPMaxBodyBytes: int64(getIntEnv("HTTP_MAX_BODY_BYTES", 1<<20)),

		// Worker Pool
		WorkerPoolSize:  getIntEnv("WORKER_POOL_SIZE", 10),
		WorkerQueueSize:   getIntEnv("WORKER_QUEUE_SIZE", 1000),
		BatchMaxItems:     getIntEnv("BATCH_MAX_ITEMS", 500),
		BatchMaxBodyBytes: int64(getIntEnv("BATCH_MAX_BODY_BYTES", 10<<20)),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Join
		InstanceID:         getEnv("INSTANCE_ID", ""),
		RunTimeout:         getDurationEnv("RUN_TIMEOUT_SEC", 600) * time.Second,
		TombstoneRetention: getDurationEnv("TOMBSTONE_RETENTION_SEC", 86400) * time.Second,
		DeliveryLeaseTTL:   getDurationEnv("DELIVERY_LEASE_TTL_SEC", 120) * time.Second,

		// Skill policy
		SkillRequireName:     getBoolEnv("SKILL_REQUIRE_NAME", true),
		SkillRequireHard:     getBoolEnv("SKILL_REQUIRE_HARD", false),
		SkillRequireSoft:     getBoolEnv("SKILL_REQUIRE_SOFT", false),
		SkillRequireLanguage: getBoolEnv("SKILL_REQUIRE_LANGUAGE", false),
		SkillMinTotal:        getIntEnv("SKILL_MIN_TOTAL", 1),

		// Ingress
		IngressRunIDPath:  getEnv("INGRESS_RUN_ID_PATH", "$.run_id"),
		IngressKindPath:   getEnv("INGRESS_KIND_PATH", "$.type"),
		IngressDataPath:   getEnv("INGRESS_DATA_PATH", "$.data"),
		IngressKindPrefix: getEnv("INGRESS_KIND_PREFIX", "ferris.apps.hr."),

		// Egress
		EgressURL:              getEnv("EGRESS_URL", ""),
		EgressMethod:           getEnv("EGRESS_METHOD", "POST"),
		EgressHeaders:          getMapEnv("EGRESS_HEADERS"),
		EgressTimeout:          getDurationEnv("EGRESS_TIMEOUT_SEC", 10) * time.Second,
		EgressMaxAttempts:      getIntEnv("EGRESS_MAX_ATTEMPTS", 3),
		EgressInitialDelayMs:   getIntEnv("EGRESS_INITIAL_DELAY_MS", 1000),
		EgressMaxDelayMs:       getIntEnv("EGRESS_MAX_DELAY_MS", 30000),
		EgressMultiplier:       getFloatEnv("EGRESS_MULTIPLIER", 2.0),
		EgressCircuitFailures:  getIntEnv("EGRESS_CIRCUIT_FAILURES", 5),
		EgressCircuitOpenAfter: getDurationEnv("EGRESS_CIRCUIT_OPEN_SEC", 60) * time.Second,

		// Reaper
		ReaperEnabled:     getBoolEnv("REAPER_ENABLED", true),
		ReaperSchedule:    getEnv("REAPER_SCHEDULE", "@every 1m"),
		ReaperLockTTL:     getDurationEnv("REAPER_LOCK_TTL_SEC", 300) * time.Second,
		ReaperBatchSize:   getIntEnv("REAPER_BATCH_SIZE", 500),
		ReaperConcurrency: getIntEnv("REAPER_CONCURRENCY", 4),
	}
}

// Validate checks the configuration, returning every problem found
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case BackendMemory, BackendMongo, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of memory, mongo, postgres, got %q", c.StoreBackend))
	}

	if c.RunTimeout <= 0 {
		errs = append(errs, errors.New("RUN_TIMEOUT_SEC must be positive"))
	}
	if c.DeliveryLeaseTTL <= 0 {
		errs = append(errs, errors.New("DELIVERY_LEASE_TTL_SEC must be positive"))
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE must be positive"))
	}
	if c.BatchMaxBodyBytes <= 0 {
		errs = append(errs, errors.New("BATCH_MAX_BODY_BYTES must be positive"))
	}

	if c.ReaperEnabled {
		if _, err := cron.ParseStandard(c.ReaperSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid REAPER_SCHEDULE %q: %w", c.ReaperSchedule, err))
		}
	}

	for name, expr := range map[string]string{
		"INGRESS_RUN_ID_PATH": c.IngressRunIDPath,
		"INGRESS_KIND_PATH":   c.IngressKindPath,
		"INGRESS_DATA_PATH":   c.IngressDataPath,
	} {
		if _, err := jsonpath.Compile(expr); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", name, expr, err))
		}
	}

	if target, ok := c.EgressTarget(); ok {
		if err := target.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("invalid egress target: %w", err))
		}
		// Emissions are cut off a tenth of the lease before it expires
		if worst, budget := c.EgressWorstCase(), c.DeliveryLeaseTTL-c.DeliveryLeaseTTL/10; c.DeliveryLeaseTTL > 0 && worst >= budget {
			errs = append(errs, fmt.Errorf(
				"DELIVERY_LEASE_TTL_SEC %s leaves %s for an emission, but egress retries can take %s",
				c.DeliveryLeaseTTL, budget, worst,
			))
		}
	}

	return errors.Join(errs...)
}

// Selectors returns the ingress JSONPath selectors
func (c *Config) Selectors() ingress.Selectors {
	return ingress.Selectors{
		RunID: c.IngressRunIDPath,
		Kind:  c.IngressKindPath,
		Data:  c.IngressDataPath,
	}
}

// SkillPolicy returns the payload completeness policy
func (c *Config) SkillPolicy() model.SkillPolicy {
	return model.SkillPolicy{
		RequireName:     c.SkillRequireName,
		RequireHard:     c.SkillRequireHard,
		RequireSoft:     c.SkillRequireSoft,
		RequireLanguage: c.SkillRequireLanguage,
		MinTotalSkills:  c.SkillMinTotal,
	}
}

// EgressTarget returns the HTTP egress target, reporting false when no URL is set
func (c *Config) EgressTarget() (model.EgressTarget, bool) {
	if c.EgressURL == "" {
		return model.EgressTarget{}, false
	}
	return model.EgressTarget{
		URL:     c.EgressURL,
		Method:  c.EgressMethod,
		Headers: c.EgressHeaders,
		RetryConfig: model.RetryConfig{
			MaxAttempts:    c.EgressMaxAttempts,
			InitialDelayMs: c.EgressInitialDelayMs,
			MaxDelayMs:     c.EgressMaxDelayMs,
			Multiplier:     c.EgressMultiplier,
		},
	}, true
}

// EgressWorstCase is the longest one emission can take: every attempt runs
// into EGRESS_TIMEOUT_SEC and every backoff is held at EGRESS_MAX_DELAY_MS by
// a Retry-After header.
func (c *Config) EgressWorstCase() time.Duration {
	target, ok := c.EgressTarget()
	if !ok {
		return 0
	}
	retry := target.RetryConfig
	retry.SetDefaults()
	maxDelay := time.Duration(retry.MaxDelayMs) * time.Millisecond
	return time.Duration(retry.MaxAttempts)*c.EgressTimeout + time.Duration(retry.MaxAttempts-1)*maxDelay
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Printf("Warning: Invalid integer value for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
		log.Printf("Warning: Invalid float value for %s, using default %g", key, defaultValue)
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal)
		}
		log.Printf("Warning: Invalid duration value for %s, using default %d", key, defaultValue)
	}
	return time.Duration(defaultValue)
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		log.Printf("Warning: Invalid boolean value for %s, using default %t", key, defaultValue)
	}
	return defaultValue
}

// getMapEnv parses "Key=Value,Other=Value" pairs
func getMapEnv(key string) map[string]string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	out := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			log.Printf("Warning: Ignoring malformed pair %q in %s", pair, key)
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
