package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/arbor/pkg/engine"
)

// Settings collects everything tunable about the daemonless CLI: where the
// database lives, how chatty the logs are and how the persistence engine and
// flush coordinator are dialed in.
type Settings struct {
	DBPath   string `mapstructure:"db-path" yaml:"db-path"`
	LogLevel string `mapstructure:"log-level" yaml:"log-level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose"`

	QueueDepth     int           `mapstructure:"queue-depth" yaml:"queue-depth"`
	CallTimeout    time.Duration `mapstructure:"call-timeout" yaml:"call-timeout"`
	MaxRestarts    int           `mapstructure:"max-restarts" yaml:"max-restarts"`
	RestartBackoff time.Duration `mapstructure:"restart-backoff" yaml:"restart-backoff"`

	FlushDebounce time.Duration `mapstructure:"flush-debounce" yaml:"flush-debounce"`
}

func Defaults() Settings {
	return Settings{
		DBPath:         defaultDBPath(),
		LogLevel:       "info",
		QueueDepth:     256,
		CallTimeout:    30 * time.Second,
		MaxRestarts:    5,
		RestartBackoff: 100 * time.Millisecond,
		FlushDebounce:  300 * time.Millisecond,
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "arbor.db"
	}
	return filepath.Join(home, ".config", "arbor", "arbor.db")
}

// Load reads settings from the config file (explicit path, else
// ~/.config/arbor/config.yaml), layered under ARBOR_* environment variables.
func Load(configFile string) (*Settings, error) {
	v := viper.New()

	defaults := Defaults()
	v.SetDefault("db-path", defaults.DBPath)
	v.SetDefault("log-level", defaults.LogLevel)
	v.SetDefault("verbose", defaults.Verbose)
	v.SetDefault("queue-depth", defaults.QueueDepth)
	v.SetDefault("call-timeout", defaults.CallTimeout)
	v.SetDefault("max-restarts", defaults.MaxRestarts)
	v.SetDefault("restart-backoff", defaults.RestartBackoff)
	v.SetDefault("flush-debounce", defaults.FlushDebounce)

	v.SetEnvPrefix("arbor")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", configFile)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "arbor"))
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "reading config")
			}
		}
	}

	ret := &Settings{}
	if err := v.Unmarshal(ret); err != nil {
		return nil, errors.Wrap(err, "decoding settings")
	}
	return ret, nil
}

// EngineConfig maps the settings onto the engine's knobs.
func (s *Settings) EngineConfig() engine.Config {
	return engine.Config{
		QueueDepth:     s.QueueDepth,
		CallTimeout:    s.CallTimeout,
		MaxRestarts:    s.MaxRestarts,
		RestartBackoff: s.RestartBackoff,
	}
}
