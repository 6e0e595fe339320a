package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	DefaultListenInterval    = 5 * time.Second
	MinListenInterval        = 1 * time.Second
	DefaultAdvertizeInterval = 60 * time.Second
	MinAdvertizeInterval     = 10 * time.Second
)

var ErrMissingListeningPort = errors.New("listeningPort is not configured")

// Config is one evaluation of a daemon configuration file.
type Config struct {
	ListeningPort     int             `mapstructure:"listeningPort" validate:"min=1,max=65535"`
	ListenInterval    int             `mapstructure:"listenInterval"`
	AdvertizeInterval int             `mapstructure:"advertizeInterval"`
	LogLevel          string          `mapstructure:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	Node              string          `mapstructure:"node"`
	MetricsAddr       string          `mapstructure:"metricsAddr" validate:"omitempty,hostname_port"`
	Messaging         MessagingConfig `mapstructure:"messaging"`

	// Values holds every evaluated key, including the ones only a
	// daemon-specific command handler cares about.
	Values map[string]any `mapstructure:"-"`
}

type MessagingConfig struct {
	Type           string `mapstructure:"type" validate:"omitempty,oneof=mqtt redis"`
	Broker         string `mapstructure:"broker" validate:"required_with=Type"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	LeaseTTL       int    `mapstructure:"leaseTTL" validate:"min=0"`
	PublishTimeout int    `mapstructure:"publishTimeout" validate:"min=0"`
}

// Loader evaluates the raw configuration source into a fresh Config.
type Loader interface {
	Load() (*Config, error)
}

type FileLoader struct {
	Path string
}

func NewFileLoader(path string) *FileLoader {
	return &FileLoader{Path: path}
}

func (l *FileLoader) Load() (*Config, error) {
	return LoadFromFile(l.Path)
}

// DaemonName derives the daemon identity from its configuration file name.
func DaemonName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func LoadFromFile(filename string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(filename)
	if filepath.Ext(filename) == "" {
		v.SetConfigType("json")
	}

	v.SetEnvPrefix("TTP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.Values = v.AllSettings()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("messaging.leaseTTL", 180)
	v.SetDefault("messaging.publishTimeout", 5)
}

func validateConfig(config *Config) error {
	if config.ListeningPort == 0 {
		return ErrMissingListeningPort
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(config)
}

// ListenEvery returns the effective sleep between loop iterations and
// whether a configured value was replaced by the default.
func (c *Config) ListenEvery() (time.Duration, bool) {
	return clampInterval(c.ListenInterval, MinListenInterval, DefaultListenInterval)
}

// AdvertizeEvery returns the effective spacing between two advertisements
// and whether a configured value was replaced by the default.
func (c *Config) AdvertizeEvery() (time.Duration, bool) {
	return clampInterval(c.AdvertizeInterval, MinAdvertizeInterval, DefaultAdvertizeInterval)
}

func clampInterval(seconds int, min, def time.Duration) (time.Duration, bool) {
	d := time.Duration(seconds) * time.Second
	if d < min {
		return def, seconds != 0
	}
	return d, false
}
