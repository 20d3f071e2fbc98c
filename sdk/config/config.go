// Package config provides the public SDK configuration API.
//
// It re-exports the server configuration types and helpers so external projects can
// embed CLIProxyAPI without importing internal packages.
package config

import internalconfig "github.com/codexgate/cliproxy/internal/config"

type SDKConfig = internalconfig.SDKConfig

type Config = internalconfig.Config

type StreamingConfig = internalconfig.StreamingConfig
type QuotaRefreshConfig = internalconfig.QuotaRefreshConfig
type StoreConfig = internalconfig.StoreConfig
type GitStoreConfig = internalconfig.GitStoreConfig
type PostgresStoreConfig = internalconfig.PostgresStoreConfig
type ObjectStoreConfig = internalconfig.ObjectStoreConfig

const (
	DefaultPanelGitHubRepository = internalconfig.DefaultPanelGitHubRepository
)

func LoadConfig(configFile string) (*Config, error) { return internalconfig.LoadConfig(configFile) }

func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	return internalconfig.LoadConfigOptional(configFile, optional)
}
