package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pulsewire-dev/pulsewire/pkg/config"
	"github.com/pulsewire-dev/pulsewire/pkg/persist"
)

// Version information (set via ldflags)
var Version = "dev"

var (
	configFile  string
	serverURL   string
	sessionID   string
	persistence string
	noReconnect bool
)

var rootCmd = &cobra.Command{
	Use:          "pulsewire",
	Short:        "Real-time messaging client with reconnect, heartbeats and session persistence",
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "websocket server URL")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "", "session id (default: random)")
	rootCmd.PersistentFlags().StringVar(&persistence, "persistence", "", "persistence mode: none, local or remote")
	rootCmd.PersistentFlags().BoolVar(&noReconnect, "no-reconnect", false, "disable automatic reconnection")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// loadConfig merges the config file (when given) with command line flags.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if sessionID != "" {
		cfg.Session.ID = sessionID
	}
	if persistence != "" {
		cfg.Session.Persistence = persistence
	}
	if noReconnect {
		cfg.Session.AutoReconnect = false
	}
	if cfg.Session.ID == "" {
		cfg.Session.ID = uuid.NewString()
	}

	switch cfg.Session.Persistence {
	case "none", "local", "remote":
	default:
		return nil, fmt.Errorf("unknown persistence mode %q", cfg.Session.Persistence)
	}
	return cfg, nil
}

// openStore builds the persistence backend for the configured mode. The
// RedisStore return is non-nil only in remote mode; it doubles as the poll
// fetcher and TTL keepalive.
func openStore(cfg *config.Config) (persist.Store, *persist.RedisStore, error) {
	switch cfg.Session.Persistence {
	case "local":
		fs, err := persist.NewFileStore(cfg.Storage.Dir, cfg.Storage.Namespace)
		if err != nil {
			return nil, nil, err
		}
		return fs, nil, nil
	case "remote":
		rs, err := persist.NewRedisStore(persist.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
			TTL:       cfg.Redis.TTL(),
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, rs, nil
	}
	return nil, nil, nil
}
