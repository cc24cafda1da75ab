// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix EXPLORER_)
//  3. Config file (explorer.yaml in . or /etc/kube-explorer/)
//  4. Compiled defaults
package config

// Viper keys for the HTTP server.
const (
	keyServerAddress        = "server.address"
	keyServerAllowedOrigins = "server.allowed_origins"
)

// Viper keys for cluster access and the explorer's own state.
const (
	keyKubeConfig           = "kube.config"
	keyStreamURL            = "stream.url"
	keyStorePath            = "store.path"
	keyCacheRefreshInterval = "cache.refresh_interval"
	keyGraphGCInterval      = "graph.gc_interval"
	keyDiscoveryTTL         = "discovery.ttl"
)
