package config

import "time"

// SystemConfig groups system-wide infrastructure settings.
type SystemConfig struct {
	Server    *ServerConfig    `yaml:"server"`
	GitHub    *GitHubConfig    `yaml:"github"`
	Retention *RetentionConfig `yaml:"retention"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	// Port the API listens on. The HTTP_PORT environment variable
	// overrides it.
	Port int `yaml:"port"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{Port: 8080}
}

// GitHubConfig holds settings of the GitHub-backed condition probes.
type GitHubConfig struct {
	// TokenEnv names the environment variable holding the API token.
	TokenEnv string `yaml:"token_env"`
	// BaseURL is the API root, overridable for GitHub Enterprise.
	BaseURL string `yaml:"base_url"`
}

// DefaultGitHubConfig returns the built-in GitHub defaults.
func DefaultGitHubConfig() *GitHubConfig {
	return &GitHubConfig{
		TokenEnv: "GITHUB_TOKEN",
		BaseURL:  "https://api.github.com",
	}
}

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// SweepInterval is how often the retention sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SettledEventTTL is the age after which done/failed routine events
	// are deleted.
	SettledEventTTL time.Duration `yaml:"settled_event_ttl"`

	// ResolvedEffectTTL is the age after which sent/failed effects are
	// deleted. Unknown effects are kept until an operator resolves them.
	ResolvedEffectTTL time.Duration `yaml:"resolved_effect_ttl"`

	// PluginEventTTL is the age after which plugin audit rows are deleted.
	PluginEventTTL time.Duration `yaml:"plugin_event_ttl"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SweepInterval:     1 * time.Hour,
		SettledEventTTL:   72 * time.Hour,
		ResolvedEffectTTL: 7 * 24 * time.Hour,
		PluginEventTTL:    7 * 24 * time.Hour,
	}
}
