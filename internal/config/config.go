package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	LLMProvider string                    `mapstructure:"llm_provider"`
	Auth        AuthConfig                `mapstructure:"auth"`
	RAG         RAGConfig                 `mapstructure:"rag"`
	Log         LogConfig                 `mapstructure:"log"`
}

type BasicConfig struct {
	ServerAddress     string `mapstructure:"server_address"`
	Database          string `mapstructure:"database"`
	UploadDir         string `mapstructure:"upload_dir"`
	CORSOrigin        string `mapstructure:"cors_origin"`
	RequestTimeout    int    `mapstructure:"request_timeout"` // seconds
	MinWorkers        int    `mapstructure:"min_workers"`
	MaxWorkers        int    `mapstructure:"max_workers"`
	QueueSize         int    `mapstructure:"queue_size"`
	WorkerIdleTimeout int    `mapstructure:"worker_idle_timeout"` // minutes
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ProviderConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	EmbeddingModel string  `mapstructure:"embedding_model"`
	APIKey         string  `mapstructure:"api_key"`
	Temperature    float32 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
}

type AuthConfig struct {
	JWTSecret       string `mapstructure:"jwt_secret"`
	TokenTTLMinutes int    `mapstructure:"token_ttl_minutes"`
}

// RAGConfig holds the chunking windows and retrieval sizes.
type RAGConfig struct {
	PDFChunkSize       int `mapstructure:"pdf_chunk_size"`
	PDFChunkOverlap    int `mapstructure:"pdf_chunk_overlap"`
	URLChunkSize       int `mapstructure:"url_chunk_size"`
	URLChunkOverlap    int `mapstructure:"url_chunk_overlap"`
	TopK               int `mapstructure:"top_k"`
	SummaryK           int `mapstructure:"summary_k"`
	PreviewChars       int `mapstructure:"preview_chars"`
	SummaryConcurrency int `mapstructure:"summary_concurrency"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is applied first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv("DOCASSIST_CONFIG")
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(absPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("DOCASSIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("providers.gemini.api_key", "GOOGLE_API_KEY")
	_ = v.BindEnv("auth.jwt_secret", "DOCASSIST_JWT_SECRET")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
	}
	setProviderDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") {
		if !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases["sqlite3"] = db
		}
	}
	return &cfg, nil
}

// Validate checks settings that have no sensible default.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret must be configured")
	}
	if _, ok := c.Databases[c.BasicConfig.Database]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.Database)
	}
	r := c.RAG
	if r.PDFChunkOverlap < 0 || (r.PDFChunkSize > 0 && r.PDFChunkOverlap >= r.PDFChunkSize) {
		return fmt.Errorf("rag.pdf_chunk_overlap %d must be in [0, %d)", r.PDFChunkOverlap, r.PDFChunkSize)
	}
	if r.URLChunkOverlap < 0 || (r.URLChunkSize > 0 && r.URLChunkOverlap >= r.URLChunkSize) {
		return fmt.Errorf("rag.url_chunk_overlap %d must be in [0, %d)", r.URLChunkOverlap, r.URLChunkSize)
	}
	return nil
}

// Provider returns the configuration of the selected LLM provider.
func (c *Config) Provider() (string, ProviderConfig) {
	name := c.LLMProvider
	return name, c.Providers[name]
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":8000")
	v.SetDefault("basic_config.database", "sqlite3")
	v.SetDefault("databases.sqlite3.dsn", "docassist.db")
	v.SetDefault("llm_provider", "gemini")
	v.SetDefault("providers.gemini.model", "gemini-1.5-pro")
	v.SetDefault("providers.gemini.embedding_model", "embedding-001")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	// zero is a valid overlap, so these are not filled in after decoding
	v.SetDefault("rag.pdf_chunk_size", 500)
	v.SetDefault("rag.pdf_chunk_overlap", 100)
	v.SetDefault("rag.url_chunk_size", 1000)
	v.SetDefault("rag.url_chunk_overlap", 200)
}

// setProviderDefaults covers every provider named in the loaded config, so an
// explicit temperature of 0 is kept.
func setProviderDefaults(v *viper.Viper) {
	for name := range v.GetStringMap("providers") {
		v.SetDefault("providers."+name+".temperature", 0.7)
		v.SetDefault("providers."+name+".max_tokens", 2048)
	}
}

// applyDefaults fills zero values so a partial config file stays usable.
func applyDefaults(cfg *Config) {
	b := &cfg.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8000"
	}
	if b.Database == "" {
		b.Database = "sqlite3"
	}
	if b.UploadDir == "" {
		b.UploadDir = "./data/uploads"
	}
	if b.CORSOrigin == "" {
		b.CORSOrigin = "http://localhost:8080"
	}
	if b.RequestTimeout <= 0 {
		b.RequestTimeout = 120
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}

	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "gemini"
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for name, p := range cfg.Providers {
		if p.MaxTokens <= 0 {
			p.MaxTokens = 2048
		}
		if name == "gemini" && p.EmbeddingModel == "" {
			p.EmbeddingModel = "embedding-001"
		}
		cfg.Providers[name] = p
	}

	if cfg.Auth.TokenTTLMinutes <= 0 {
		cfg.Auth.TokenTTLMinutes = 24 * 60
	}

	r := &cfg.RAG
	if r.PDFChunkSize <= 0 {
		r.PDFChunkSize = 500
	}
	if r.URLChunkSize <= 0 {
		r.URLChunkSize = 1000
	}
	if r.TopK <= 0 {
		r.TopK = 4
	}
	if r.SummaryK <= 0 {
		r.SummaryK = 20
	}
	if r.PreviewChars <= 0 {
		r.PreviewChars = 300
	}
	if r.SummaryConcurrency <= 0 {
		r.SummaryConcurrency = 4
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
}
