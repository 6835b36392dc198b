// Package config loads and validates the crewd.yaml configuration.
package config

// Config is the umbrella configuration object returned by Initialize()
// and used throughout the application.
type Config struct {
	configPath string // Configuration file path (for reference)

	Runtime   *RuntimeConfig
	Lanes     *LanesConfig
	Steering  *SteeringConfig
	Outbox    *OutboxConfig
	Routines  *RoutinesConfig
	Server    *ServerConfig
	GitHub    *GitHubConfig
	Retention *RetentionConfig
}

// ConfigPath returns the configuration file path.
func (c *Config) ConfigPath() string {
	return c.configPath
}

// Default returns a Config populated with every built-in default. Tests and
// the bootstrap path when no config file exists use it.
func Default() *Config {
	return &Config{
		Runtime:   DefaultRuntimeConfig(),
		Lanes:     DefaultLanesConfig(),
		Steering:  DefaultSteeringConfig(),
		Outbox:    DefaultOutboxConfig(),
		Routines:  DefaultRoutinesConfig(),
		Server:    DefaultServerConfig(),
		GitHub:    DefaultGitHubConfig(),
		Retention: DefaultRetentionConfig(),
	}
}
