package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pulsewire-dev/pulsewire/pkg/persist"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage persisted sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions, most recently active first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		manager, err := openManager()
		if err != nil {
			return err
		}
		defer manager.Close()

		records := manager.ListAll(cmd.Context())
		if len(records) == 0 {
			fmt.Println("no persisted sessions")
			return nil
		}
		for _, rec := range records {
			fmt.Printf("%s\t%d messages\tlast active %s\n",
				rec.ID, rec.Count, rec.LastActivity.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every persisted session record",
	RunE: func(cmd *cobra.Command, _ []string) error {
		manager, err := openManager()
		if err != nil {
			return err
		}
		defer manager.Close()

		manager.ClearAll(cmd.Context())
		fmt.Println("sessions cleared")
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsClearCmd)
}

func openManager() (*persist.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, _, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("persistence mode %q keeps no records", cfg.Session.Persistence)
	}
	return persist.NewManager(store), nil
}
