package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Environment constants
const (
	EnvProduction = "production"
)

// Pool modes.
const (
	// PoolModeSingleProcess keeps leases in process memory. Only valid when
	// exactly one worker process consumes the queues.
	PoolModeSingleProcess = "single-process"
	// PoolModeDistributed keeps leases in Redis so several worker processes
	// can share the queues.
	PoolModeDistributed = "distributed"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration. It is built once by Load and
// passed by pointer to constructors; nothing mutates it afterwards.
type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Log        LogConfig
	Worker     WorkerConfig
	Retry      RetryConfig
	Lease      LeaseConfig
	Automation AutomationConfig
	Artifacts  ArtifactsConfig
	Ops        OpsConfig
	Scheduler  SchedulerConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name string
	Env  string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	DB            int
	PoolSize      int
	MinIdleConns  int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	TLSEnabled    bool
	TLSSkipVerify bool
	MaxRetries    int
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string
}

// WorkerConfig holds dispatcher configuration.
type WorkerConfig struct {
	// ID identifies this process in attempt history and lease holders.
	ID string
	// Queues lists the broker queues this process consumes.
	Queues []string
	// Concurrency is the default number of workers per queue.
	Concurrency int
	// QueueConcurrency overrides Concurrency per queue ("scenarios=2,workflows=1").
	QueueConcurrency map[string]int
	PoolMode         string
	// TaskTimeout bounds a whole task including every retry. Workflow
	// tasks get at least BudgetTimeout of a step per step.
	TaskTimeout time.Duration
	// MaxRedeliveries bounds broker-level redelivery of a request.
	MaxRedeliveries int
	// BusyRequeueDelay is how long a request waits after hitting a busy key.
	BusyRequeueDelay time.Duration
	ShutdownTimeout  time.Duration
	// StoreFailureThreshold is the number of consecutive store failures
	// after which new acquisitions are rejected until the store recovers.
	StoreFailureThreshold int
	StoreProbeInterval    time.Duration
}

// RetryConfig holds the in-handler retry policy for Transient failures.
type RetryConfig struct {
	// Budget is the maximum number of execution attempts per request.
	Budget         int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// LeaseConfig holds exclusivity lease configuration.
type LeaseConfig struct {
	// Grace is added to the automation call timeout to form the lease TTL.
	Grace          time.Duration
	ReaperInterval time.Duration
	KeyPrefix      string
}

// AutomationConfig holds configuration of the external tool.
type AutomationConfig struct {
	Command string
	Args    []string
	WorkDir string
	// ScenarioTimeout and WorkflowStepTimeout are hard per-call deadlines.
	ScenarioTimeout     time.Duration
	WorkflowStepTimeout time.Duration
	// BusyExitCodes are exit codes meaning "tool busy, try later".
	BusyExitCodes []int
	// MaxSessions bounds concurrent tool sessions across all queues.
	MaxSessions int
	// SessionOpenRate limits new sessions per second (0 disables).
	SessionOpenRate float64
	// SessionWait is how long a call waits for a free session slot before
	// failing transiently.
	SessionWait time.Duration
}

// ArtifactsConfig holds model artifact store configuration.
type ArtifactsConfig struct {
	Enabled    bool
	Source     string // s3, git
	Bucket     string
	Region     string
	Endpoint   string
	AuthType   string // default, keys, sts_role
	AccessKey  string
	SecretKey  string
	RoleARN    string
	ExternalID string
	Extensions []string
	MaxSize    int64

	// Git source
	GitURL      string
	GitBranch   string
	GitAuthType string // none, token, ssh
	GitToken    string
	GitSSHKey   string // path to a private key file
	GitCacheDir string
}

// Artifact sources.
const (
	ArtifactSourceS3  = "s3"
	ArtifactSourceGit = "git"
)

// OpsConfig holds the health and metrics HTTP listener.
type OpsConfig struct {
	Host string
	Port int
}

// SchedulerConfig holds workflow scheduler configuration.
type SchedulerConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadClient loads the configuration for tools that only submit requests
// and manage the store. Worker and automation settings are not validated.
func LoadClient() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validateBasic(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func fromEnv() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		App: AppConfig{
			Name: getEnv("APP_NAME", "prodcast-worker"),
			Env:  getEnv("APP_ENV", "development"),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", DriverPostgres),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "prodcast"),
			Password:        getEnv("DB_PASSWORD", "secret"),
			Name:            getEnv("DB_NAME", "prodcast"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			SQLitePath:      getEnv("DB_SQLITE_PATH", "prodcast.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", "localhost"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			PoolSize:      getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns:  getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:   getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:   getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:  getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			TLSEnabled:    getEnvBool("REDIS_TLS_ENABLED", false),
			TLSSkipVerify: getEnvBool("REDIS_TLS_SKIP_VERIFY", false),
			MaxRetries:    getEnvInt("REDIS_MAX_RETRIES", 3),
			MinRetryDelay: getEnvDuration("REDIS_MIN_RETRY_DELAY", 100*time.Millisecond),
			MaxRetryDelay: getEnvDuration("REDIS_MAX_RETRY_DELAY", 3*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Worker: WorkerConfig{
			ID:                    getEnv("WORKER_ID", hostname),
			Queues:                getEnvSlice("WORKER_QUEUES", []string{"scenarios"}),
			Concurrency:           getEnvInt("WORKER_CONCURRENCY", 1),
			QueueConcurrency:      getEnvIntMap("WORKER_QUEUE_CONCURRENCY"),
			PoolMode:              getEnv("WORKER_POOL_MODE", PoolModeSingleProcess),
			TaskTimeout:           getEnvDuration("WORKER_TASK_TIMEOUT", 24*time.Hour),
			MaxRedeliveries:       getEnvInt("WORKER_MAX_REDELIVERIES", 25),
			BusyRequeueDelay:      getEnvDuration("WORKER_BUSY_REQUEUE_DELAY", 30*time.Second),
			ShutdownTimeout:       getEnvDuration("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),
			StoreFailureThreshold: getEnvInt("WORKER_STORE_FAILURE_THRESHOLD", 3),
			StoreProbeInterval:    getEnvDuration("WORKER_STORE_PROBE_INTERVAL", 15*time.Second),
		},
		Retry: RetryConfig{
			Budget:         getEnvInt("RETRY_BUDGET", 3),
			InitialBackoff: getEnvDuration("RETRY_INITIAL_BACKOFF", 5*time.Second),
			MaxBackoff:     getEnvDuration("RETRY_MAX_BACKOFF", 2*time.Minute),
		},
		Lease: LeaseConfig{
			Grace:          getEnvDuration("LEASE_GRACE", 5*time.Minute),
			ReaperInterval: getEnvDuration("LEASE_REAPER_INTERVAL", 30*time.Second),
			KeyPrefix:      getEnv("LEASE_KEY_PREFIX", "prodcast:lease:"),
		},
		Automation: AutomationConfig{
			Command:             getEnv("AUTOMATION_COMMAND", ""),
			Args:                getEnvSlice("AUTOMATION_ARGS", nil),
			WorkDir:             getEnv("AUTOMATION_WORK_DIR", os.TempDir()),
			ScenarioTimeout:     getEnvDuration("AUTOMATION_SCENARIO_TIMEOUT", time.Hour),
			WorkflowStepTimeout: getEnvDuration("AUTOMATION_WORKFLOW_STEP_TIMEOUT", 2*time.Hour),
			BusyExitCodes:       getEnvIntSlice("AUTOMATION_BUSY_EXIT_CODES", []int{75}),
			MaxSessions:         getEnvInt("AUTOMATION_MAX_SESSIONS", 1),
			SessionOpenRate:     getEnvFloat("AUTOMATION_SESSION_OPEN_RATE", 0),
			SessionWait:         getEnvDuration("AUTOMATION_SESSION_WAIT", time.Minute),
		},
		Artifacts: ArtifactsConfig{
			Enabled:    getEnvBool("ARTIFACTS_ENABLED", false),
			Source:     getEnv("ARTIFACTS_SOURCE", ArtifactSourceS3),
			Bucket:     getEnv("ARTIFACTS_BUCKET", ""),
			Region:     getEnv("ARTIFACTS_REGION", "us-east-1"),
			Endpoint:   getEnv("ARTIFACTS_ENDPOINT", ""),
			AuthType:   getEnv("ARTIFACTS_AUTH_TYPE", "default"),
			AccessKey:  getEnv("ARTIFACTS_ACCESS_KEY", ""),
			SecretKey:  getEnv("ARTIFACTS_SECRET_KEY", ""),
			RoleARN:    getEnv("ARTIFACTS_ROLE_ARN", ""),
			ExternalID: getEnv("ARTIFACTS_EXTERNAL_ID", ""),
			Extensions: getEnvSlice("ARTIFACTS_EXTENSIONS", []string{".rsa", ".gap", ".py", ".json"}),
			MaxSize:    getEnvInt64("ARTIFACTS_MAX_SIZE", 2<<30),

			GitURL:      getEnv("ARTIFACTS_GIT_URL", ""),
			GitBranch:   getEnv("ARTIFACTS_GIT_BRANCH", "main"),
			GitAuthType: getEnv("ARTIFACTS_GIT_AUTH_TYPE", "none"),
			GitToken:    getEnv("ARTIFACTS_GIT_TOKEN", ""),
			GitSSHKey:   getEnv("ARTIFACTS_GIT_SSH_KEY", ""),
			GitCacheDir: getEnv("ARTIFACTS_GIT_CACHE_DIR", ""),
		},
		Ops: OpsConfig{
			Host: getEnv("OPS_HOST", "0.0.0.0"),
			Port: getEnvInt("OPS_PORT", 9090),
		},
		Scheduler: SchedulerConfig{
			Enabled:   getEnvBool("SCHEDULER_ENABLED", false),
			Interval:  getEnvDuration("SCHEDULER_INTERVAL", time.Minute),
			BatchSize: getEnvInt("SCHEDULER_BATCH_SIZE", 50),
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateBasic(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateAutomation(); err != nil {
		return err
	}
	if c.Artifacts.Enabled {
		if err := c.validateArtifacts(); err != nil {
			return err
		}
	}
	return nil
}

// validateBasic validates store and logging configuration.
func (c *Config) validateBasic() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("DB_SQLITE_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid DB_DRIVER: %s (must be postgres or sqlite)", c.Database.Driver)
	}

	if c.Ops.Port < 1 || c.Ops.Port > 65535 {
		return fmt.Errorf("invalid ops port: %d", c.Ops.Port)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %s (must be json or text)", c.Log.Format)
	}
	return nil
}

// validateWorker validates dispatcher, retry and lease configuration.
func (c *Config) validateWorker() error {
	if len(c.Worker.Queues) == 0 {
		return fmt.Errorf("WORKER_QUEUES must name at least one queue")
	}
	for _, q := range c.Worker.Queues {
		if q != "scenarios" && q != "workflows" {
			return fmt.Errorf("unknown queue %q in WORKER_QUEUES (must be scenarios or workflows)", q)
		}
	}
	for q, n := range c.Worker.QueueConcurrency {
		if !slices.Contains(c.Worker.Queues, q) {
			return fmt.Errorf("WORKER_QUEUE_CONCURRENCY names queue %q that is not consumed", q)
		}
		if n < 1 {
			return fmt.Errorf("concurrency for queue %q must be positive, got %d", q, n)
		}
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.ID == "" {
		return fmt.Errorf("WORKER_ID is required")
	}
	switch c.Worker.PoolMode {
	case PoolModeSingleProcess, PoolModeDistributed:
	default:
		return fmt.Errorf("invalid WORKER_POOL_MODE: %s (must be single-process or distributed)", c.Worker.PoolMode)
	}
	if c.Worker.StoreFailureThreshold < 1 {
		return fmt.Errorf("WORKER_STORE_FAILURE_THRESHOLD must be positive, got %d", c.Worker.StoreFailureThreshold)
	}

	if c.Retry.Budget < 1 {
		return fmt.Errorf("RETRY_BUDGET must be at least 1, got %d", c.Retry.Budget)
	}
	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("retry backoff must satisfy 0 < initial (%v) <= max (%v)", c.Retry.InitialBackoff, c.Retry.MaxBackoff)
	}
	if c.Lease.Grace < c.Retry.MaxBackoff {
		return fmt.Errorf("LEASE_GRACE (%v) must cover RETRY_MAX_BACKOFF (%v)", c.Lease.Grace, c.Retry.MaxBackoff)
	}
	if c.Lease.ReaperInterval <= 0 {
		return fmt.Errorf("LEASE_REAPER_INTERVAL must be positive")
	}
	return nil
}

// validateAutomation validates the external tool configuration.
func (c *Config) validateAutomation() error {
	if c.Automation.Command == "" {
		return fmt.Errorf("AUTOMATION_COMMAND is required")
	}
	if c.Automation.ScenarioTimeout <= 0 || c.Automation.WorkflowStepTimeout <= 0 {
		return fmt.Errorf("automation timeouts must be positive")
	}
	if c.Automation.MaxSessions < 1 {
		return fmt.Errorf("AUTOMATION_MAX_SESSIONS must be positive, got %d", c.Automation.MaxSessions)
	}
	if c.Automation.SessionOpenRate < 0 {
		return fmt.Errorf("AUTOMATION_SESSION_OPEN_RATE must be non-negative")
	}
	need := max(c.BudgetTimeout(c.Automation.ScenarioTimeout), c.BudgetTimeout(c.Automation.WorkflowStepTimeout))
	if c.Worker.TaskTimeout < need {
		return fmt.Errorf("WORKER_TASK_TIMEOUT (%v) must cover a full retry budget of one call (%v)", c.Worker.TaskTimeout, need)
	}
	return nil
}

// BudgetTimeout is the longest one unit can run with the given call
// timeout: every attempt in the retry budget plus the backoff between
// them and the lease grace.
func (c *Config) BudgetTimeout(callTimeout time.Duration) time.Duration {
	return time.Duration(c.Retry.Budget)*(callTimeout+c.Retry.MaxBackoff) + c.Lease.Grace
}

// validateArtifacts validates the artifact store configuration.
func (c *Config) validateArtifacts() error {
	switch c.Artifacts.Source {
	case ArtifactSourceS3:
	case ArtifactSourceGit:
		return c.validateGitArtifacts()
	default:
		return fmt.Errorf("invalid ARTIFACTS_SOURCE: %s (must be s3 or git)", c.Artifacts.Source)
	}

	if c.Artifacts.Bucket == "" {
		return fmt.Errorf("ARTIFACTS_BUCKET is required when artifacts are enabled")
	}
	switch c.Artifacts.AuthType {
	case "default":
	case "keys":
		if c.Artifacts.AccessKey == "" || c.Artifacts.SecretKey == "" {
			return fmt.Errorf("ARTIFACTS_ACCESS_KEY and ARTIFACTS_SECRET_KEY are required for keys auth")
		}
	case "sts_role":
		if c.Artifacts.RoleARN == "" {
			return fmt.Errorf("ARTIFACTS_ROLE_ARN is required for sts_role auth")
		}
	default:
		return fmt.Errorf("invalid ARTIFACTS_AUTH_TYPE: %s (must be default, keys, or sts_role)", c.Artifacts.AuthType)
	}
	return nil
}

func (c *Config) validateGitArtifacts() error {
	if c.Artifacts.GitURL == "" {
		return fmt.Errorf("ARTIFACTS_GIT_URL is required for the git source")
	}
	switch c.Artifacts.GitAuthType {
	case "none":
	case "token":
		if c.Artifacts.GitToken == "" {
			return fmt.Errorf("ARTIFACTS_GIT_TOKEN is required for token auth")
		}
	case "ssh":
		if c.Artifacts.GitSSHKey == "" {
			return fmt.Errorf("ARTIFACTS_GIT_SSH_KEY is required for ssh auth")
		}
	default:
		return fmt.Errorf("invalid ARTIFACTS_GIT_AUTH_TYPE: %s (must be none, token, or ssh)", c.Artifacts.GitAuthType)
	}
	return nil
}

// ConcurrencyFor returns the worker count for a queue.
func (c *WorkerConfig) ConcurrencyFor(queue string) int {
	if n, ok := c.QueueConcurrency[queue]; ok {
		return n
	}
	return c.Concurrency
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the ops HTTP listen address.
func (c *OpsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if the application is in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Env == EnvProduction
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		if result := splitAndTrim(value, ","); len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func getEnvIntSlice(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []int
	for _, p := range splitAndTrim(value, ",") {
		n, err := strconv.Atoi(p)
		if err != nil {
			return defaultValue
		}
		result = append(result, n)
	}
	return result
}

// getEnvIntMap parses "a=1,b=2". Malformed pairs are skipped.
func getEnvIntMap(key string) map[string]int {
	result := make(map[string]int)
	for _, pair := range splitAndTrim(os.Getenv(key), ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			continue
		}
		result[strings.TrimSpace(k)] = n
	}
	return result
}

func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
