package config

type Config struct {
	Server  ServerConfig
	Relay   RelayConfig
	Storage StorageConfig
	Cache   CacheConfig
	Log     LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type RelayConfig struct {
	// Provider used when a request names none.
	Provider  string
	MaxTokens int
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	TTLHours int
	Enabled  bool
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3001,
		},
		Relay: RelayConfig{
			Provider:  "qwen",
			MaxTokens: 800,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			TTLHours: 24,
			Enabled:  true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/chatd/config.json, then applies CHATD_* environment
// overrides. Provider API keys are never stored here; they come from the
// provider-specific environment variables.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}
