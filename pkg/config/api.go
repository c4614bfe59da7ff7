package config

import (
	"log/slog"
	"strings"
	"time"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	EnvEncryptionKey   string
	LogLevel           slog.Level
	DockerHost         string
	WorkspaceRoot      string
	PolicyFile         string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	AnthropicAPIKey    string
	AnthropicModel     string
	SweepInterval      time.Duration
	Container          ContainerPolicy
	Exec               ExecPolicy
	Session            SessionPolicy
}

// ExecPolicy bounds one-shot command execution.
type ExecPolicy struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutputBytes int
}

// SessionPolicy bounds interactive sessions.
type SessionPolicy struct {
	IdleTimeout      time.Duration
	BufferChunks     int
	KillOnDisconnect bool
}

// LoadAPIConfig constructs an APIConfig from environment variables. When
// CONTAINER_POLICY_FILE is set its YAML document overrides the container block.
func LoadAPIConfig() (APIConfig, error) {
	cfg := APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://zeblit:zeblit@db:5432/zeblit?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", ""),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		EnvEncryptionKey:   GetString("ENV_ENCRYPTION_KEY", "supersecuresecret"),
		LogLevel:           ParseLevel(GetString("LOG_LEVEL", "info")),
		DockerHost:         GetString("DOCKER_HOST", ""),
		WorkspaceRoot:      GetString("WORKSPACE_ROOT", "/var/lib/zeblit/workspaces"),
		PolicyFile:         GetString("CONTAINER_POLICY_FILE", ""),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		AnthropicAPIKey:    GetString("ANTHROPIC_API_KEY", ""),
		AnthropicModel:     GetString("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		SweepInterval:      GetSeconds("RUNTIME_SWEEP_SECONDS", 60),
		Container: ContainerPolicy{
			Image:           GetString("CONTAINER_IMAGE", "zeblit/devbox:latest"),
			WorkspacePath:   GetString("CONTAINER_WORKSPACE_PATH", "/workspace"),
			CPUShares:       GetInt64("CONTAINER_CPU_SHARES", 512),
			MemoryBytes:     GetInt64("CONTAINER_MEMORY_MB", 1024) * 1024 * 1024,
			PortRangeBase:   GetInt("PORT_RANGE_BASE", 20000),
			PortRangeWidth:  GetInt("PORT_RANGE_WIDTH", 10),
			PortRangeMax:    GetInt("PORT_RANGE_MAX", 29999),
			ContainerPort:   GetInt("CONTAINER_PORT_BASE", 3000),
			MaxPerUser:      GetInt("MAX_CONTAINERS_PER_USER", 3),
			IdleTimeout:     GetSeconds("CONTAINER_IDLE_TIMEOUT_SECONDS", 3600),
			StartTimeout:    GetSeconds("CONTAINER_START_TIMEOUT_SECONDS", 30),
			StopGracePeriod: GetSeconds("CONTAINER_STOP_GRACE_SECONDS", 10),
		},
		Exec: ExecPolicy{
			DefaultTimeout: GetSeconds("EXEC_DEFAULT_TIMEOUT_SECONDS", 30),
			MaxTimeout:     GetSeconds("EXEC_MAX_TIMEOUT_SECONDS", 600),
			MaxOutputBytes: GetInt("EXEC_MAX_OUTPUT_BYTES", 4<<20),
		},
		Session: SessionPolicy{
			IdleTimeout:      GetSeconds("SESSION_IDLE_TIMEOUT_SECONDS", 900),
			BufferChunks:     GetInt("SESSION_BUFFER_CHUNKS", 64),
			KillOnDisconnect: GetBool("SESSION_KILL_ON_DISCONNECT", false),
		},
	}
	if cfg.PolicyFile != "" {
		policy, err := LoadPolicyFile(cfg.PolicyFile, cfg.Container)
		if err != nil {
			return cfg, err
		}
		cfg.Container = policy
	}
	return cfg, nil
}

// ParseLevel maps a textual level to slog, defaulting to info.
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
