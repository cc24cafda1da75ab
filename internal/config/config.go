package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance holding the resolved configuration.
type Config struct {
	v *viper.Viper
}

// New loads defaults, the optional config file and the environment.
// Flags are layered on top later through BindFlags.
func New() (*Config, error) {
	v := viper.New()

	// default values
	for _, o := range ServeOptions {
		v.SetDefault(o.Key, o.Default)
	}

	// load config from file
	v.SetConfigName("explorer")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kube-explorer/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// load config from environment variables
	v.SetEnvPrefix("EXPLORER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// BindFlags registers one flag per option on fs and binds it to the
// option's key.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

func (c *Config) ServerAddress() string {
	return c.v.GetString(keyServerAddress) // EXPLORER_SERVER_ADDRESS
}

func (c *Config) ServerAllowedOrigins() []string {
	return c.v.GetStringSlice(keyServerAllowedOrigins) // EXPLORER_SERVER_ALLOWED_ORIGINS
}

func (c *Config) KubeConfig() string {
	return c.v.GetString(keyKubeConfig) // EXPLORER_KUBE_CONFIG
}

func (c *Config) StreamURL() string {
	return c.v.GetString(keyStreamURL) // EXPLORER_STREAM_URL
}

func (c *Config) StorePath() string {
	return c.v.GetString(keyStorePath) // EXPLORER_STORE_PATH
}

func (c *Config) CacheRefreshInterval() time.Duration {
	return c.v.GetDuration(keyCacheRefreshInterval) // EXPLORER_CACHE_REFRESH_INTERVAL
}

func (c *Config) GraphGCInterval() time.Duration {
	return c.v.GetDuration(keyGraphGCInterval) // EXPLORER_GRAPH_GC_INTERVAL
}

func (c *Config) DiscoveryTTL() time.Duration {
	return c.v.GetDuration(keyDiscoveryTTL) // EXPLORER_DISCOVERY_TTL
}
