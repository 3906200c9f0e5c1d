package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. CARROT_HTTP_ADDR for http.addr.
const EnvPrefix = "CARROT"

// FileConfig is the CLI configuration loaded from a config file, .env and the environment.
type FileConfig struct {
	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		SessionTTL      time.Duration `mapstructure:"session_ttl"` // idle channel sessions are closed, 0 disables
	} `mapstructure:"http"`

	Storage struct {
		Type          string        `mapstructure:"type"`
		Path          string        `mapstructure:"path"` // buntdb file
		Dir           string        `mapstructure:"dir"`  // pebble directory
		Fsync         string        `mapstructure:"fsync"`
		FsyncInterval time.Duration `mapstructure:"fsync_interval"`
		Compaction    string        `mapstructure:"compaction"` // cron spec, empty disables
	} `mapstructure:"storage"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Unroutable string         `mapstructure:"unroutable"`
	ChannelMax int            `mapstructure:"channel_max"`
	Topology   TopologyConfig `mapstructure:"topology"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 5*time.Second)
	v.SetDefault("http.session_ttl", 10*time.Minute)
	v.SetDefault("storage.type", string(StorageTypeNone))
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.dir", "")
	v.SetDefault("storage.fsync", "always")
	v.SetDefault("storage.fsync_interval", 5*time.Millisecond)
	v.SetDefault("storage.compaction", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("unroutable", string(UnroutableDrop))
	v.SetDefault("channel_max", 2047)
}

// Load reads configuration from path (any format viper understands). If path is
// empty only defaults, .env and CARROT_* environment variables apply.
func Load(path string) (FileConfig, error) {
	return LoadWithEnvFiles(path)
}

// LoadWithEnvFiles is Load with explicit dotenv files. With no files it loads
// ./.env when present. Variables already set in the environment win.
func LoadWithEnvFiles(path string, envFiles ...string) (FileConfig, error) {
	if err := godotenv.Load(envFiles...); err != nil && (len(envFiles) > 0 || !errors.Is(err, fs.ErrNotExist)) {
		return FileConfig{}, fmt.Errorf("loading env files: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return FileConfig{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg FileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("decoding config: %w", err)
	}

	switch UnroutablePolicy(cfg.Unroutable) {
	case UnroutableDrop, UnroutableReject:
	default:
		return FileConfig{}, fmt.Errorf("invalid unroutable policy %q; use drop|reject", cfg.Unroutable)
	}

	if err := cfg.StorageConfig().Validate(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

// StorageConfig converts the file storage section to a StorageConfig.
func (c FileConfig) StorageConfig() StorageConfig {
	sc := StorageConfig{Type: StorageType(c.Storage.Type)}
	switch sc.Type {
	case StorageTypeBuntDB:
		sc.BuntDB = &BuntDBConfig{Path: c.Storage.Path}
	case StorageTypePebble:
		sc.Pebble = &PebbleConfig{
			Dir:           c.Storage.Dir,
			Fsync:         c.Storage.Fsync,
			FsyncInterval: c.Storage.FsyncInterval,
		}
	}
	return sc
}
