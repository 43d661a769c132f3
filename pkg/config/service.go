package config

import "time"

// ServiceConfig holds runtime configuration for the release service.
type ServiceConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	ConnectAPIBaseURL  string
	ConnectKeyID       string
	ConnectIssuerID    string
	ConnectKeyPath     string
	ConnectTokenTTL    time.Duration
	KeychainName       string
	KeychainPassword   string
	ExportSecret       string
	BuildWorkDir       string
	BuildTimeout       time.Duration
	UploadBudget       time.Duration
	ProcessingInterval time.Duration
	ProcessingBudget   time.Duration
	DeploymentCeiling  time.Duration
	RetentionSweep     time.Duration
	TeamLockTTL        time.Duration
	LockRedisAddr      string
	LockRedisPass      string
	LockRedisDB        int
	LogBuffer          int
	APIToken           string
}

// LoadServiceConfig constructs a ServiceConfig from environment variables.
func LoadServiceConfig() ServiceConfig {
	return ServiceConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("SERVICE_ADDR", ":4600"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://deploy:deploy@db:5432/deploy?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		ConnectAPIBaseURL:  GetString("CONNECT_API_URL", "https://api.appstoreconnect.apple.com/v1"),
		ConnectKeyID:       GetString("CONNECT_KEY_ID", ""),
		ConnectIssuerID:    GetString("CONNECT_ISSUER_ID", ""),
		ConnectKeyPath:     GetString("CONNECT_KEY_PATH", ""),
		ConnectTokenTTL:    time.Duration(GetInt("CONNECT_TOKEN_TTL_MIN", 15)) * time.Minute,
		KeychainName:       GetString("KEYCHAIN_NAME", "deploy.keychain-db"),
		KeychainPassword:   GetString("KEYCHAIN_PASSWORD", ""),
		ExportSecret:       GetString("EXPORT_SECRET", ""),
		BuildWorkDir:       GetString("BUILD_WORK_DIR", "/tmp/deploy-builds"),
		BuildTimeout:       time.Duration(GetInt("BUILD_TIMEOUT_MIN", 45)) * time.Minute,
		UploadBudget:       time.Duration(GetInt("UPLOAD_BUDGET_MIN", 30)) * time.Minute,
		ProcessingInterval: time.Duration(GetInt("PROCESSING_POLL_SECONDS", 30)) * time.Second,
		ProcessingBudget:   time.Duration(GetInt("PROCESSING_BUDGET_MIN", 10)) * time.Minute,
		DeploymentCeiling:  time.Duration(GetInt("DEPLOYMENT_CEILING_MIN", 120)) * time.Minute,
		RetentionSweep:     time.Duration(GetInt("RETENTION_SWEEP_HOURS", 24)) * time.Hour,
		TeamLockTTL:        time.Duration(GetInt("TEAM_LOCK_TTL_MIN", 150)) * time.Minute,
		LockRedisAddr:      GetString("LOCK_REDIS_ADDR", ""),
		LockRedisPass:      GetString("LOCK_REDIS_PASSWORD", ""),
		LockRedisDB:        GetInt("LOCK_REDIS_DB", 0),
		LogBuffer:          GetInt("WS_LOG_BUFFER", 100),
		APIToken:           GetString("SERVICE_API_TOKEN", ""),
	}
}
