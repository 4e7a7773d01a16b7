package config

import "time"

// APIConfig holds runtime configuration for the orchestration API service.
type APIConfig struct {
	Environment       string
	Addr              string
	LogLevel          string
	DatabaseURL       string
	MigrationsDir     string
	StorageRoot       string
	ResultCatalogPath string

	SandboxRuntime         string
	DockerHost             string
	SandboxImage           string
	SandboxCPUs            string
	SandboxMemory          string
	SandboxNetworkDisabled bool
	TrainingTimeout        time.Duration
	EvaluationTimeout      time.Duration
	SandboxKillGrace       time.Duration

	RunQuotaPerProject int
	StreamHeartbeat    time.Duration
	RetentionDays      int
	JanitorInterval    time.Duration
	PruneContainers    bool

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	SubmitRateLimit    int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:       GetString("APP_ENV", "development"),
		Addr:              GetString("API_ADDR", ":8000"),
		LogLevel:          GetString("LOG_LEVEL", "info"),
		DatabaseURL:       GetString("DATABASE_URL", "postgres://smia:smia@db:5432/smia?sslmode=disable"),
		MigrationsDir:     GetString("DB_MIGRATIONS_DIR", ""),
		StorageRoot:       GetString("STORAGE_ROOT", "storage"),
		ResultCatalogPath: GetString("RESULT_CATALOG_PATH", ""),

		SandboxRuntime:         GetString("SANDBOX_RUNTIME", "docker"),
		DockerHost:             GetString("DOCKER_HOST", ""),
		SandboxImage:           GetString("SANDBOX_IMAGE", "smia-runtime:latest"),
		SandboxCPUs:            GetString("SANDBOX_CPUS", "2.0"),
		SandboxMemory:          GetString("SANDBOX_MEMORY", "4g"),
		SandboxNetworkDisabled: GetBool("SANDBOX_NETWORK_DISABLED", true),
		TrainingTimeout:        time.Duration(GetInt("TRAINING_TIMEOUT_MINUTES", 60)) * time.Minute,
		EvaluationTimeout:      time.Duration(GetInt("EVALUATION_TIMEOUT_MINUTES", 30)) * time.Minute,
		SandboxKillGrace:       GetDuration("SANDBOX_KILL_GRACE", 10*time.Second),

		RunQuotaPerProject: GetInt("RUN_QUOTA_PER_PROJECT", 10),
		StreamHeartbeat:    time.Duration(GetInt("STREAM_HEARTBEAT_SECONDS", 15)) * time.Second,
		RetentionDays:      GetInt("RETENTION_DAYS", 7),
		JanitorInterval:    GetDuration("JANITOR_INTERVAL", 24*time.Hour),
		PruneContainers:    GetBool("JANITOR_PRUNE_CONTAINERS", true),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		SubmitRateLimit:    GetInt("SUBMIT_RATE_LIMIT_PER_MINUTE", 30),
	}
}
