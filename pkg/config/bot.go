package config

import "time"

// BotConfig holds runtime configuration for the gameserv service.
type BotConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	NATSAddr     string
	NATSName     string
	CommandQueue string

	ComputeBackend string
	ProjectID      string
	DefaultZone    string
	APIBase        string
	APIToken       string
	DockerHost     string

	TemplatesPath string

	OwnerIDs         []string
	AdminRole        string
	OperatorRole     string
	ExcludedCommands []string

	MaxCommandsPerMinute int
	MaxActivePerUser     int
	CreationCooldown     time.Duration
	ConfirmTimeout       time.Duration

	AutoShutdownSweepEvery time.Duration
	AutoShutdownMinHours   int
	AutoShutdownMaxHours   int

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadBotConfig constructs a BotConfig from environment variables.
func LoadBotConfig() BotConfig {
	return BotConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("OPS_ADDR", ":4100"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://gameserv:gameserv@db:5432/gameserv?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		NATSAddr:     GetString("NATS_ADDR", "nats://localhost:4222"),
		NATSName:     GetString("NATS_CLIENT_NAME", "gameserv"),
		CommandQueue: GetString("NATS_COMMAND_QUEUE", "gameserv-workers"),

		ComputeBackend: GetString("COMPUTE_BACKEND", "gcp"),
		ProjectID:      GetString("COMPUTE_PROJECT_ID", ""),
		DefaultZone:    GetString("COMPUTE_DEFAULT_ZONE", "europe-west1-b"),
		APIBase:        GetString("COMPUTE_API_BASE", "https://compute.googleapis.com/compute/v1"),
		APIToken:       GetString("COMPUTE_API_TOKEN", ""),
		DockerHost:     GetString("DOCKER_HOST_OVERRIDE", ""),

		TemplatesPath: GetString("TEMPLATES_PATH", "./templates.json"),

		OwnerIDs:         GetStringSlice("BOT_OWNER_IDS", nil),
		AdminRole:        GetString("GAME_ADMIN_ROLE", "game-admin"),
		OperatorRole:     GetString("VM_OPERATOR_ROLE", "vm-operator"),
		ExcludedCommands: GetStringSlice("RATE_LIMIT_EXCLUDED", []string{"help", "ping", "status"}),

		MaxCommandsPerMinute: GetInt("MAX_COMMANDS_PER_MINUTE", 20),
		MaxActivePerUser:     GetInt("MAX_ACTIVE_VMS_PER_USER", 2),
		CreationCooldown:     GetSeconds("VM_CREATION_COOLDOWN_SECONDS", 300),
		ConfirmTimeout:       GetSeconds("CONFIRM_TIMEOUT_SECONDS", 60),

		AutoShutdownSweepEvery: GetSeconds("AUTO_SHUTDOWN_SWEEP_SECONDS", 600),
		AutoShutdownMinHours:   GetInt("AUTO_SHUTDOWN_MIN_HOURS", 1),
		AutoShutdownMaxHours:   GetInt("AUTO_SHUTDOWN_MAX_HOURS", 720),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
