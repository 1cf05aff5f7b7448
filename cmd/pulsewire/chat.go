package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pulsewire-dev/pulsewire/internal/logger"
	"github.com/pulsewire-dev/pulsewire/pkg/client"
	"github.com/pulsewire-dev/pulsewire/pkg/heartbeat"
	"github.com/pulsewire-dev/pulsewire/pkg/history"
	"github.com/pulsewire-dev/pulsewire/pkg/observability"
	"github.com/pulsewire-dev/pulsewire/pkg/persist"
	"github.com/pulsewire-dev/pulsewire/pkg/poll"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Connect a session and chat interactively",
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Default()

	store, remote, err := openStore(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	observability.InitMetrics()
	checker := observability.InitHealthChecker()

	messages := history.NewStore(cfg.Session.HistoryCap)
	opts := []client.Option{
		client.WithStore(messages),
		client.WithBackoff(cfg.Backoff.Floor(), cfg.Backoff.Ceiling()),
	}
	if cfg.Session.SendRate > 0 {
		opts = append(opts, client.WithSendLimit(cfg.Session.SendRate, cfg.Session.SendBurst))
	}

	var manager *persist.Manager
	if store != nil {
		manager = persist.NewManager(store)
		defer manager.Close()
		opts = append(opts, client.WithPersistence(manager))
	}

	var coordinator *poll.Coordinator
	if remote != nil {
		coordinator = poll.NewCoordinator(cfg.Session.ID, remote, messages, poll.Config{
			FetchTimeout: cfg.Poll.FetchTimeout(),
			Interval:     cfg.Poll.Interval(),
			MaxAttempts:  cfg.Poll.MaxAttempts,
			RetryDelay:   cfg.Poll.RetryDelay(),
		})
		opts = append(opts,
			client.WithCoordinator(coordinator),
			client.WithKeepalive(remote, cfg.Redis.KeepaliveCron, cfg.Redis.TTL()),
		)
		checker.RegisterCheck(observability.StoreCheck(remote.Ping))
	}

	c := client.New(cfg.ServerURL, cfg.Session.ID, cfg.Session.AutoReconnect, opts...)
	defer c.Close()

	checker.RegisterCheck(observability.ConnectionCheck(func(context.Context) error {
		if c.Status() != client.StatusOpen {
			return fmt.Errorf("connection %s", c.Status())
		}
		return nil
	}))

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		obs := observability.NewServer(cfg.Metrics.Port)
		g.Go(func() error {
			log.Info("observability listening", "port", cfg.Metrics.Port)
			if err := obs.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return obs.Shutdown(shutdownCtx)
		})
	}

	if coordinator != nil {
		g.Go(func() error {
			coordinator.Run(ctx)
			return nil
		})
	}

	if err := c.Open(ctx); err != nil && !cfg.Session.AutoReconnect {
		return err
	}

	g.Go(func() error {
		repl(ctx, c)
		stop()
		return nil
	})

	return g.Wait()
}

// repl reads lines until /quit, EOF or cancellation. Lines starting with a
// slash are commands; anything else is sent as a chat message.
func repl(ctx context.Context, c *client.Client) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Printf("session is %s, type %s for commands\n", color.CyanString("%s", c.Status()), color.CyanString("/help"))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		input, err := line.Prompt("> ")
		if err != nil {
			// liner.ErrPromptAborted on Ctrl-C, io.EOF on Ctrl-D
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if !strings.HasPrefix(input, "/") {
			c.Send(input)
			continue
		}

		switch input {
		case "/quit":
			return
		case "/reconnect":
			c.Reconnect()
			fmt.Println("reconnecting")
		case "/refresh":
			c.RefreshMessages()
			fmt.Println("refresh requested")
		case "/clear":
			c.ClearPersistedMessages()
			fmt.Println("history cleared")
		case "/stats":
			printStats(c)
		case "/messages":
			printMessages(c)
		case "/help":
			fmt.Println("commands: /reconnect /refresh /clear /stats /messages /quit")
		default:
			fmt.Printf("unknown command %s\n", input)
		}
	}
}

func printStats(c *client.Client) {
	stats := c.HeartbeatStats()
	statusColor := color.GreenString
	if stats.Health != heartbeat.HealthHealthy {
		statusColor = color.YellowString
	}

	fmt.Printf("status:     %s\n", c.Status())
	fmt.Printf("health:     %s\n", statusColor("%s", stats.Health))
	fmt.Printf("messages:   %d\n", c.Count())
	fmt.Printf("recent:     %d heartbeats\n", stats.Recent)
	fmt.Printf("missed:     %d\n", stats.Missed)
	fmt.Printf("next retry: %s\n", c.NextRetryDelay())
	if last := c.LastHeartbeatAt(); !last.IsZero() {
		fmt.Printf("last beat:  %s ago\n", time.Since(last).Round(time.Millisecond))
	}
}

func printMessages(c *client.Client) {
	for _, m := range c.Messages() {
		prefix := "<-"
		if m.Direction == history.DirectionSent {
			prefix = "->"
		}
		fmt.Printf("%s [%s] %s\n", prefix, m.Timestamp.Format("15:04:05"), m.Content)
	}
}
