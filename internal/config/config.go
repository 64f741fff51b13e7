package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type TURN struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Config struct {
	// parleyd
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	// parley client
	StoreURL string `mapstructure:"store_url"`
	Room     string `mapstructure:"room"`
	Username string `mapstructure:"username"`
	UID      string `mapstructure:"uid"`

	// ICE
	STUNServers  []string `mapstructure:"stun_servers"`
	TURNServers  []TURN   `mapstructure:"turn_servers"`
	FallbackTURN []TURN   `mapstructure:"fallback_turn"`

	// call engine tuning
	NegotiationDebounce time.Duration `mapstructure:"negotiation_debounce"`
	PresenceDebounce    time.Duration `mapstructure:"presence_debounce"`
	CandidateFlushDelay time.Duration `mapstructure:"candidate_flush_delay"`
	RestartMinSpacing   time.Duration `mapstructure:"restart_min_spacing"`
	HealthInterval      time.Duration `mapstructure:"health_interval"`
	ReconnectBase       time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap        time.Duration `mapstructure:"reconnect_cap"`
	MaxReconnects       int           `mapstructure:"max_reconnects"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("store_url", "http://localhost:8080")
	v.SetDefault("room", "lobby")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("negotiation_debounce", "250ms")
	v.SetDefault("presence_debounce", "300ms")
	v.SetDefault("candidate_flush_delay", "20ms")
	v.SetDefault("restart_min_spacing", "5s")
	v.SetDefault("health_interval", "3s")
	v.SetDefault("reconnect_base", "1s")
	v.SetDefault("reconnect_cap", "30s")
	v.SetDefault("max_reconnects", 8)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Store: %s\n", cfg.Mode, cfg.Port, cfg.StoreURL)
	return &cfg, nil
}
