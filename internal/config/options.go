package config

import (
	"strings"
	"time"
)

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// ServeOptions defines the configuration entries of the serve
// command. Each entry is registered as a viper default and a CLI flag.
var ServeOptions = []Option{
	{Key: keyServerAddress, Flag: toFlag(keyServerAddress), Default: ":8299", Description: "Server listen address"},
	{Key: keyServerAllowedOrigins, Flag: toFlag(keyServerAllowedOrigins), Default: []string{}, Description: "Server allowed origins (empty allows all)"},
	{Key: keyKubeConfig, Flag: toFlag(keyKubeConfig), Default: "", Description: "Path to the kubeconfig file (empty uses the default loading rules)"},
	{Key: keyStreamURL, Flag: toFlag(keyStreamURL), Default: "", Description: "Remote explorer stream url (empty watches the clusters directly)"},
	{Key: keyStorePath, Flag: toFlag(keyStorePath), Default: "explorer.db", Description: "Path to the sqlite database holding persisted watches"},
	{Key: keyCacheRefreshInterval, Flag: toFlag(keyCacheRefreshInterval), Default: time.Second, Description: "Object cache refresh interval"},
	{Key: keyGraphGCInterval, Flag: toFlag(keyGraphGCInterval), Default: 10 * time.Second, Description: "Graph store garbage collection interval"},
	{Key: keyDiscoveryTTL, Flag: toFlag(keyDiscoveryTTL), Default: 10 * time.Minute, Description: "Resource discovery cache TTL"},
}

// toFlag converts a viper key like "cache.refresh_interval" into a
// CLI flag like "cache-refresh-interval" by lower-casing, replacing
// dots and underscores with hyphens, and stripping the "server-"
// prefix.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "server-")
	return flag
}
