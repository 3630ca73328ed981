// Package config loads the archive configuration from TOML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/shivavenkatesh/medarchive/internal/distance"
)

const (
	DefaultDirName    = ".medarchive"
	DefaultFileName   = "medarchive.toml"
	DefaultLogLevel   = "info"
	DefaultDimensions = 768
	DefaultChunkSize  = 255 * 1024
	DefaultWorkers    = 4

	ConflictReject    = "reject"
	ConflictOverwrite = "overwrite"

	envPrefix = "MEDARCHIVE_"
)

// Duration is a time.Duration that decodes from strings like "30s"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// StoreConfig locates the metadata store
type StoreConfig struct {
	Driver string `toml:"driver"` // "sqlite3" or "sqlite"
	Path   string `toml:"path"`
}

// VaultConfig selects and tunes the blob vault backend
type VaultConfig struct {
	Backend          string `toml:"backend"` // sqlite, leveldb, minio, s3, memory
	ChunkSize        int    `toml:"chunk_size"`
	Compression      string `toml:"compression"`
	WriteBytesPerSec int64  `toml:"write_bytes_per_sec"`
	CacheBytes       int64  `toml:"cache_bytes"`
	Path             string `toml:"path"` // sqlite file or leveldb directory
	Bucket           string `toml:"bucket"`
	Prefix           string `toml:"prefix"`
	Endpoint         string `toml:"endpoint"`
	Region           string `toml:"region"`
	AccessKey        string `toml:"access_key"`
	SecretKey        string `toml:"secret_key"`
	Secure           bool   `toml:"secure"`
}

// IndexConfig declares the indexes created at Define time
type IndexConfig struct {
	Dimensions        int      `toml:"dimensions"`
	Metric            string   `toml:"metric"`
	Candidates        int      `toml:"candidates"`
	IndexedFields     []string `toml:"indexed_fields"`
	RequiredFields    []string `toml:"required_fields"`
	NaturalKeyFields  []string `toml:"natural_key_fields"`
	PropagationBuffer int      `toml:"propagation_buffer"`
	SearchTimeout     Duration `toml:"search_timeout"`
}

// IngestConfig tunes the ingestion pipeline
type IngestConfig struct {
	Workers        int      `toml:"workers"`
	ConflictPolicy string   `toml:"conflict_policy"`
	BlobTimeout    Duration `toml:"blob_timeout"`
	RecordTimeout  Duration `toml:"record_timeout"`
}

// EmbedderConfig locates the embedding service; an empty URL disables it
type EmbedderConfig struct {
	URL       string   `toml:"url"`
	Model     string   `toml:"model"`
	CacheSize int      `toml:"cache_size"`
	Timeout   Duration `toml:"timeout"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Config defines runtime configuration for medarchive.
type Config struct {
	DataDir  string         `toml:"data_dir"`
	LogLevel string         `toml:"log_level"`
	Store    StoreConfig    `toml:"store"`
	Vault    VaultConfig    `toml:"vault"`
	Index    IndexConfig    `toml:"index"`
	Ingest   IngestConfig   `toml:"ingest"`
	Embedder EmbedderConfig `toml:"embedder"`
	Server   ServerConfig   `toml:"server"`
}

// Default returns default configuration values.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:  filepath.Join(home, DefaultDirName),
		LogLevel: DefaultLogLevel,
		Store: StoreConfig{
			Driver: "sqlite3",
		},
		Vault: VaultConfig{
			Backend:   "sqlite",
			ChunkSize: DefaultChunkSize,
			Prefix:    "medarchive",
		},
		Index: IndexConfig{
			Dimensions:        DefaultDimensions,
			Metric:            string(distance.Cosine),
			Candidates:        100,
			IndexedFields:     []string{"scan_type", "diagnosis"},
			NaturalKeyFields:  []string{"scan_type"},
			PropagationBuffer: 1024,
			SearchTimeout:     Duration{10 * time.Second},
		},
		Ingest: IngestConfig{
			Workers:        DefaultWorkers,
			ConflictPolicy: ConflictReject,
			BlobTimeout:    Duration{2 * time.Minute},
			RecordTimeout:  Duration{30 * time.Second},
		},
		Embedder: EmbedderConfig{
			CacheSize: 1000,
			Timeout:   Duration{30 * time.Second},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// Path returns the config file to read: explicit path, then
// $MEDARCHIVE_CONFIG, then ~/.medarchive/medarchive.toml.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, DefaultDirName, DefaultFileName)
}

// Load reads defaults, the config file (if present) and env overrides.
// An explicit path that does not exist is an error.
func Load(explicit string) (Config, error) {
	cfg := Default()
	path := Path(explicit)
	if path != "" {
		found, err := loadFileIfExists(path, &cfg)
		if err != nil {
			return cfg, err
		}
		if !found && explicit != "" {
			return cfg, fmt.Errorf("config file %s not found", explicit)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.resolvePaths()
	return cfg, cfg.Validate()
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

// applyEnv overrides selected keys from MEDARCHIVE_* variables
func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"DATA_DIR":         &cfg.DataDir,
		"LOG_LEVEL":        &cfg.LogLevel,
		"STORE_DRIVER":     &cfg.Store.Driver,
		"VAULT_BACKEND":    &cfg.Vault.Backend,
		"S3_BUCKET":        &cfg.Vault.Bucket,
		"S3_REGION":        &cfg.Vault.Region,
		"MINIO_ENDPOINT":   &cfg.Vault.Endpoint,
		"MINIO_ACCESS_KEY": &cfg.Vault.AccessKey,
		"MINIO_SECRET_KEY": &cfg.Vault.SecretKey,
		"EMBEDDER_URL":     &cfg.Embedder.URL,
		"EMBEDDER_MODEL":   &cfg.Embedder.Model,
		"CONFLICT_POLICY":  &cfg.Ingest.ConflictPolicy,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"DIMENSIONS": &cfg.Index.Dimensions,
		"WORKERS":    &cfg.Ingest.Workers,
		"PORT":       &cfg.Server.Port,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", envPrefix, key, v, err)
		}
		*dst = n
	}
	return nil
}

// resolvePaths fills store and vault paths relative to the data dir
func (c *Config) resolvePaths() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "metadata.db")
	}
	if c.Vault.Path == "" {
		switch c.Vault.Backend {
		case "leveldb":
			c.Vault.Path = filepath.Join(c.DataDir, "blobs.ldb")
		default:
			c.Vault.Path = filepath.Join(c.DataDir, "blobs.db")
		}
	}
}

// WithDataDir returns a copy rooted at dir, re-deriving default paths
func (c Config) WithDataDir(dir string) Config {
	def := Default()
	defStore := filepath.Join(c.DataDir, "metadata.db")
	if c.Store.Path == defStore || c.Store.Path == def.Store.Path {
		c.Store.Path = ""
	}
	if c.Vault.Path == filepath.Join(c.DataDir, "blobs.db") || c.Vault.Path == filepath.Join(c.DataDir, "blobs.ldb") {
		c.Vault.Path = ""
	}
	c.DataDir = dir
	c.resolvePaths()
	return c
}

// Validate rejects impossible values
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("store.driver must be sqlite3 or sqlite, got %q", c.Store.Driver)
	}

	switch c.Vault.Backend {
	case "sqlite", "leveldb", "memory":
	case "minio":
		if c.Vault.Endpoint == "" || c.Vault.Bucket == "" {
			return fmt.Errorf("vault backend minio needs endpoint and bucket")
		}
	case "s3":
		if c.Vault.Bucket == "" {
			return fmt.Errorf("vault backend s3 needs a bucket")
		}
	default:
		return fmt.Errorf("unknown vault backend %q", c.Vault.Backend)
	}
	if c.Vault.ChunkSize <= 0 {
		return fmt.Errorf("vault.chunk_size must be positive")
	}
	if c.Vault.Compression != "" && c.Vault.Compression != "zstd" {
		return fmt.Errorf("vault.compression must be empty or zstd, got %q", c.Vault.Compression)
	}
	if c.Vault.WriteBytesPerSec < 0 || c.Vault.CacheBytes < 0 {
		return fmt.Errorf("vault limits must not be negative")
	}

	if c.Index.Dimensions <= 0 {
		return fmt.Errorf("index.dimensions must be positive")
	}
	if _, err := distance.ParseMetric(c.Index.Metric); err != nil {
		return fmt.Errorf("index.metric: %w", err)
	}
	if c.Index.Candidates < 0 || c.Index.PropagationBuffer < 0 {
		return fmt.Errorf("index.candidates and index.propagation_buffer must not be negative")
	}
	if c.Index.SearchTimeout.Duration < 0 || c.Ingest.BlobTimeout.Duration < 0 || c.Ingest.RecordTimeout.Duration < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive")
	}
	switch c.Ingest.ConflictPolicy {
	case ConflictReject, ConflictOverwrite:
	default:
		return fmt.Errorf("ingest.conflict_policy must be reject or overwrite, got %q", c.Ingest.ConflictPolicy)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}
