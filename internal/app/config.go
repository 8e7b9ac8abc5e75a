package app

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Config is the flat, env-populated process configuration. Routing policy
// knobs live in the YAML policy file (internal/policyconfig), not here: this
// struct covers only operational settings.
type Config struct {
	ListenAddr string
	LogLevel   string

	// Persistence.
	PersistenceDriver string // "file" | "db"
	DBDSN             string
	DataDir           string // root for the file driver's runs/ and .data/

	// Provider credentials and the judge.
	OpenAIAPIKey    string
	AnthropicAPIKey string
	VLLMBaseURL     string // optional self-hosted endpoint
	JudgeModelID    string

	// Evaluation sampling.
	EvalMode            string // "prod" | "benchmark" | "test"
	EvalSampleRateProd  float64
	EvalSampleRateTest  float64
	EvalSampleRateForce float64 // <0 = unset
	AllowFullEvalInProd bool
	NodeEnv             string

	RouterSelectionPolicy string
	PolicyFile            string // YAML router/escalation policy; empty = defaults

	// Model-HR data.
	ModelHRDataDir         string
	ModelHRAutoApplyDisable bool

	// Scheduler defaults.
	WorkerPoolSize          int
	QAPoolSize              int
	DefaultProjectBudgetUSD float64

	ProviderTimeoutSecs int

	// Security & hardening.
	RequireAPIKey  bool // enforce tenant API keys on submission endpoints
	AdminToken     string
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int

	// Optional shared portfolio-cache tier.
	RedisAddr string

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string

	// Temporal-backed durable async jobs (opt-in).
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("ROUTECORE_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("ROUTECORE_LOG_LEVEL", "info"),

		PersistenceDriver: getEnv("PERSISTENCE_DRIVER", "file"),
		DBDSN:             getEnv("ROUTECORE_DB_DSN", "file:routecore.sqlite"),
		DataDir:           getEnv("ROUTECORE_DATA_DIR", "."),

		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		VLLMBaseURL:     getEnv("ROUTECORE_VLLM_BASE_URL", ""),
		JudgeModelID:    getEnv("JUDGE_MODEL_ID", "claude-sonnet-4-5-20250929"),

		EvalMode:            getEnv("EVAL_MODE", "prod"),
		EvalSampleRateProd:  getEnvFloat("EVAL_SAMPLE_RATE_PROD", 0.2),
		EvalSampleRateTest:  getEnvFloat("EVAL_SAMPLE_RATE_TEST", 1.0),
		EvalSampleRateForce: getEnvFloat("EVAL_SAMPLE_RATE_FORCE", -1),
		AllowFullEvalInProd: getEnvBool("ALLOW_FULL_EVAL_IN_PROD", false),
		NodeEnv:             getEnv("NODE_ENV", "development"),

		RouterSelectionPolicy: getEnv("ROUTER_SELECTION_POLICY", ""),
		PolicyFile:            getEnv("ROUTECORE_POLICY_FILE", ""),

		ModelHRDataDir:          getEnv("MODEL_HR_DATA_DIR", ""),
		ModelHRAutoApplyDisable: getEnvBool("MODEL_HR_AUTO_APPLY_DISABLE", false),

		WorkerPoolSize:          getEnvInt("ROUTECORE_WORKER_POOL", 3),
		QAPoolSize:              getEnvInt("ROUTECORE_QA_POOL", 1),
		DefaultProjectBudgetUSD: getEnvFloat("ROUTECORE_DEFAULT_PROJECT_BUDGET_USD", 5.0),

		ProviderTimeoutSecs: getEnvInt("ROUTECORE_PROVIDER_TIMEOUT_SECS", 30),

		RequireAPIKey:  getEnvBool("ROUTECORE_REQUIRE_API_KEY", false),
		AdminToken:     getEnv("ROUTECORE_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("ROUTECORE_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("ROUTECORE_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("ROUTECORE_RATE_LIMIT_BURST", 120),

		RedisAddr: getEnv("ROUTECORE_REDIS_ADDR", ""),

		OTelEnabled:     getEnvBool("ROUTECORE_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("ROUTECORE_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("ROUTECORE_OTEL_SERVICE_NAME", "routecore"),

		TemporalEnabled:   getEnvBool("ROUTECORE_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("ROUTECORE_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("ROUTECORE_TEMPORAL_NAMESPACE", "routecore"),
		TemporalTaskQueue: getEnv("ROUTECORE_TEMPORAL_TASK_QUEUE", "routecore-jobs"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.PersistenceDriver != "file" && c.PersistenceDriver != "db" {
		return fmt.Errorf("PERSISTENCE_DRIVER must be file or db, got %q", c.PersistenceDriver)
	}
	switch c.EvalMode {
	case "prod", "benchmark", "test":
	default:
		return fmt.Errorf("EVAL_MODE must be prod, benchmark, or test, got %q", c.EvalMode)
	}
	if c.WorkerPoolSize <= 0 || c.QAPoolSize <= 0 {
		return fmt.Errorf("pool sizes must be > 0, got worker=%d qa=%d", c.WorkerPoolSize, c.QAPoolSize)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit values must be > 0, got rps=%d burst=%d", c.RateLimitRPS, c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("ROUTECORE_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.DefaultProjectBudgetUSD < 0 {
		return fmt.Errorf("ROUTECORE_DEFAULT_PROJECT_BUDGET_USD must be >= 0, got %f", c.DefaultProjectBudgetUSD)
	}
	return nil
}

// IsProduction reports whether the process runs with production semantics.
func (c Config) IsProduction() bool { return c.NodeEnv == "production" }

var fullEvalWarnOnce sync.Once

// EffectiveEvalSampleRate resolves the judge sampling rate from EVAL_MODE
// and the rate overrides, applying the production safety clamp: a full-eval
// rate in production is cut to 0.25 unless ALLOW_FULL_EVAL_IN_PROD is set,
// and benchmark mode is ignored under the same rule. The clamp warning logs
// once per process.
func (c Config) EffectiveEvalSampleRate() float64 {
	if c.EvalSampleRateForce >= 0 {
		return min1(c.EvalSampleRateForce)
	}

	mode := c.EvalMode
	if mode == "benchmark" && c.IsProduction() && !c.AllowFullEvalInProd {
		fullEvalWarnOnce.Do(func() {
			slog.Warn("benchmark eval mode ignored in production; set ALLOW_FULL_EVAL_IN_PROD=true to override")
		})
		mode = "prod"
	}

	switch mode {
	case "benchmark":
		return 1.0
	case "test":
		return min1(c.EvalSampleRateTest)
	default:
		rate := min1(c.EvalSampleRateProd)
		if c.IsProduction() && rate >= 1.0 && !c.AllowFullEvalInProd {
			fullEvalWarnOnce.Do(func() {
				slog.Warn("full evaluation sampling clamped to 0.25 in production; set ALLOW_FULL_EVAL_IN_PROD=true to override")
			})
			return 0.25
		}
		return rate
	}
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
