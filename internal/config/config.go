package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr           string
	DatabaseURL    string
	MaxOpenConns   int
	ReposDir       string
	CORSOrigin     string
	MaxUploadBytes int64
	LogDebug       bool
	MeiliURL       string
	MeiliMasterKey string
	// Object storage for uploaded chat files; disabled when the endpoint is empty.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// Identity
	FirebaseProjectID string
	FirebaseCertsURL  string
	AuthDevSecret     string
	// Engine
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	EngineTimeout time.Duration
	EngineRPS     int
	// Background work
	WorkerConcurrency int
	InflightTTL       time.Duration
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	// Redis Configuration
	RedisURL string
}

// Load reads the configuration from the environment. When FREELY_CONFIG_FILE
// names a YAML file, its keys (the same names as the environment variables)
// fill in whatever the environment leaves unset.
func Load() (Config, error) {
	src := source{}
	if path := os.Getenv("FREELY_CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	return Config{
		Addr:           src.getenv("API_ADDR", ":8787"),
		DatabaseURL:    src.getenv("DATABASE_URL", ""),
		MaxOpenConns:   src.getenvInt("DATABASE_MAX_OPEN_CONNS", 20),
		ReposDir:       src.getenv("REPOS_DIR", "./data/repos"),
		CORSOrigin:     src.getenv("CORS_ORIGIN", "*"),
		MaxUploadBytes: int64(src.getenvInt("MAX_UPLOAD_BYTES", 10<<20)),
		LogDebug:       src.getenvBool("LOG_DEBUG", false),
		MeiliURL:       src.getenv("MEILI_URL", ""),
		MeiliMasterKey: src.getenv("MEILI_MASTER_KEY", ""),
		MinioEndpoint:  src.getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: src.getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: src.getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    src.getenv("MINIO_BUCKET", "freely-uploads"),
		MinioUseSSL:    src.getenvBool("MINIO_USE_SSL", false),

		FirebaseProjectID: src.getenv("FIREBASE_PROJECT_ID", ""),
		FirebaseCertsURL:  src.getenv("FIREBASE_CERTS_URL", "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"),
		AuthDevSecret:     src.getenv("AUTH_DEV_SECRET", ""),

		OpenAIAPIKey:  src.getenv("OPENAI_API_KEY", ""),
		OpenAIModel:   src.getenv("OPENAI_MODEL", "gpt-4o"),
		OpenAIBaseURL: src.getenv("OPENAI_BASE_URL", ""),
		EngineTimeout: time.Duration(src.getenvInt("ENGINE_TIMEOUT_SECONDS", 120)) * time.Second,
		EngineRPS:     src.getenvInt("ENGINE_RPS", 5),

		WorkerConcurrency: src.getenvInt("WORKER_CONCURRENCY", 8),
		InflightTTL:       time.Duration(src.getenvInt("INFLIGHT_TTL_SECONDS", 300)) * time.Second,

		// SMTP - empty by default, email disabled if not configured
		SMTPHost:     src.getenv("SMTP_HOST", ""),
		SMTPPort:     src.getenv("SMTP_PORT", "587"),
		SMTPUsername: src.getenv("SMTP_USERNAME", ""),
		SMTPPassword: src.getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     src.getenv("SMTP_FROM", ""),
		SMTPFromName: src.getenv("SMTP_FROM_NAME", "Freely"),
		// Redis - optional, in-flight guards stay in process without it
		RedisURL: src.getenv("REDIS_URL", ""),
	}, nil
}

type source struct {
	file map[string]string
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		out[strings.ToUpper(key)] = fmt.Sprint(value)
	}
	return out, nil
}

func (s source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return s.file[key]
}

func (s source) getenv(key, fallback string) string {
	value := s.lookup(key)
	if value == "" {
		return fallback
	}
	return value
}

func (s source) getenvInt(key string, fallback int) int {
	value := s.lookup(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (s source) getenvBool(key string, fallback bool) bool {
	value := s.lookup(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
