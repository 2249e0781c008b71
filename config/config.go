package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the tracking engine.
type Config struct {
	General     GeneralConfig     `mapstructure:"general"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	Propagation PropagationConfig `mapstructure:"propagation"`
	Network     NetworkConfig     `mapstructure:"network"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Collab      CollabConfig      `mapstructure:"collab"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// GeneralConfig contains process-wide settings.
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	Listen    string `mapstructure:"listen"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// StorageConfig groups the Postgres and Redis connection settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	return host + ":" + port
}

// ClusterConfig tunes the similarity clustering engine. Epsilon is a cosine
// distance, not a similarity.
type ClusterConfig struct {
	Epsilon        float64       `mapstructure:"epsilon"`
	MinPts         int           `mapstructure:"min_pts"`
	LatenessWindow time.Duration `mapstructure:"lateness_window"`
	Buckets        int           `mapstructure:"buckets"`
	LSHPlanes      int           `mapstructure:"lsh_planes"`
	EmbeddingDim   int           `mapstructure:"embedding_dim"`
	LSHSeed        int64         `mapstructure:"lsh_seed"`
}

func (c ClusterConfig) Validate() error {
	if c.Epsilon <= 0 || c.Epsilon >= 1 {
		return fmt.Errorf("cluster.epsilon must be in (0,1)")
	}
	if c.MinPts < 1 {
		return fmt.Errorf("cluster.min_pts must be >= 1")
	}
	if c.LatenessWindow <= 0 {
		return fmt.Errorf("cluster.lateness_window must be > 0")
	}
	if c.Buckets < 1 {
		return fmt.Errorf("cluster.buckets must be >= 1")
	}
	if c.EmbeddingDim < 1 {
		return fmt.Errorf("cluster.embedding_dim must be >= 1")
	}
	return nil
}

// PropagationConfig tunes parent selection and modification-type bands.
type PropagationConfig struct {
	ParentEpsilon float64 `mapstructure:"parent_epsilon"`
	ExactSim      float64 `mapstructure:"exact_sim"`
	ParaphraseSim float64 `mapstructure:"paraphrase_sim"`
}

func (p PropagationConfig) Validate() error {
	if p.ParentEpsilon <= 0 || p.ParentEpsilon >= 1 {
		return fmt.Errorf("propagation.parent_epsilon must be in (0,1)")
	}
	if p.ExactSim <= p.ParaphraseSim {
		return fmt.Errorf("propagation.exact_sim must be above paraphrase_sim")
	}
	return nil
}

// NetworkConfig tunes graph metrics and the viral score.
type NetworkConfig struct {
	TrackedPlatforms int     `mapstructure:"tracked_platforms"`
	ScoreCap         float64 `mapstructure:"score_cap"`
}

func (n NetworkConfig) Validate() error {
	if n.TrackedPlatforms < 1 {
		return fmt.Errorf("network.tracked_platforms must be >= 1")
	}
	if n.ScoreCap <= 0 {
		return fmt.Errorf("network.score_cap must be > 0")
	}
	return nil
}

// LedgerConfig controls evidence encryption and chain append behaviour.
// MasterKey is hex-encoded and must decode to 32 bytes.
type LedgerConfig struct {
	MasterKey         string `mapstructure:"master_key"`
	MaxAppendAttempts int    `mapstructure:"max_append_attempts"`
}

func (l LedgerConfig) Validate() error {
	if l.MasterKey == "" {
		return fmt.Errorf("ledger.master_key not configured")
	}
	if l.MaxAppendAttempts < 1 {
		return fmt.Errorf("ledger.max_append_attempts must be >= 1")
	}
	return nil
}

// DecodeMasterKey decodes the hex master key and checks its length.
func (l LedgerConfig) DecodeMasterKey() ([]byte, error) {
	key, err := hex.DecodeString(l.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("ledger.master_key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("ledger.master_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// CollabConfig points at the external collaborator services.
// AuthorityKeys maps issuing-authority names to hex ed25519 public keys.
type CollabConfig struct {
	EmbedURL      string            `mapstructure:"embed_url"`
	InfluenceURL  string            `mapstructure:"influence_url"`
	PKIURL        string            `mapstructure:"pki_url"`
	AuthorityKeys map[string]string `mapstructure:"authority_keys"`
	EmbedRetries  int               `mapstructure:"embed_retries"`
	EmbedBackoff  time.Duration     `mapstructure:"embed_backoff"`
	Timeout       time.Duration     `mapstructure:"timeout"`
}

// TelemetryConfig controls tracing and metrics export.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	MetricsPort  int    `mapstructure:"metrics_port"`
}

// WorkerConfig tunes the cluster-update processor.
type WorkerConfig struct {
	Group    string        `mapstructure:"group"`
	Name     string        `mapstructure:"name"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// Validate checks every section that carries invariants.
func (c *Config) Validate() error {
	if err := c.Cluster.Validate(); err != nil {
		return err
	}
	if err := c.Propagation.Validate(); err != nil {
		return err
	}
	if err := c.Network.Validate(); err != nil {
		return err
	}
	return nil
}

// Load reads configuration from the given path (or the working directory) and
// applies VIRALTRACE_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("VIRALTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.listen", ":10020")
	v.SetDefault("general.log_level", "info")

	v.SetDefault("cluster.epsilon", 0.15)
	v.SetDefault("cluster.min_pts", 2)
	v.SetDefault("cluster.lateness_window", 24*time.Hour)
	v.SetDefault("cluster.buckets", 16)
	v.SetDefault("cluster.lsh_planes", 8)
	v.SetDefault("cluster.embedding_dim", 384)
	v.SetDefault("cluster.lsh_seed", 1)

	v.SetDefault("propagation.parent_epsilon", 0.20)
	v.SetDefault("propagation.exact_sim", 0.98)
	v.SetDefault("propagation.paraphrase_sim", 0.85)

	v.SetDefault("network.tracked_platforms", 5)
	v.SetDefault("network.score_cap", 10.0)

	v.SetDefault("ledger.max_append_attempts", 4)

	v.SetDefault("collab.embed_retries", 3)
	v.SetDefault("collab.embed_backoff", 500*time.Millisecond)
	v.SetDefault("collab.timeout", 10*time.Second)

	v.SetDefault("telemetry.metrics_port", 9090)

	v.SetDefault("worker.group", "viraltrace-workers")
	v.SetDefault("worker.name", "worker-1")
	v.SetDefault("worker.debounce", 2*time.Second)
}
