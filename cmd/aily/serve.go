package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/config"
	"github.com/jiunbae/aily/internal/dashboard"
	"github.com/jiunbae/aily/internal/db"
	"github.com/jiunbae/aily/internal/hostexec"
	"github.com/jiunbae/aily/internal/platform"
	discordadapter "github.com/jiunbae/aily/internal/platform/discord"
	slackadapter "github.com/jiunbae/aily/internal/platform/slack"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/relay"
	"github.com/jiunbae/aily/internal/router"
	"github.com/jiunbae/aily/internal/sched"
	"github.com/jiunbae/aily/internal/scrape"
	"github.com/jiunbae/aily/internal/store"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session relay",
		Long: "Connects the configured chat platforms, polls SSH hosts for tmux\n" +
			"sessions, and serves the dashboard API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to optional YAML config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	gdb, err := db.Connect(cfg.Storage.Path)
	if err != nil {
		return &exitError{code: exitStorage, err: err}
	}
	if err := db.Migrate(gdb); err != nil {
		return &exitError{code: exitStorage, err: err}
	}

	eventBus := bus.New()

	reg, err := registry.New(gdb, eventBus)
	if err != nil {
		return err
	}
	st, err := store.New(gdb, eventBus)
	if err != nil {
		return err
	}
	defer st.Close()

	exec := hostexec.New(hostexec.Opts{})
	defer exec.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal handling: SIGINT/SIGTERM start a graceful shutdown and flip
	// the exit code to 130.
	signalled := false
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		signalled = true
		fmt.Fprintln(out, "aily: shutting down...")
		cancel()
	}()

	adapters, err := buildAdapters(ctx, cfg)
	if err != nil {
		return &exitError{code: exitPlatform, err: err}
	}
	defer func() {
		for _, a := range adapters {
			if err := a.Close(); err != nil {
				log.Printf("aily: close %s: %v", a.Name(), err)
			}
		}
	}()

	rt, err := router.New(router.Opts{
		Config:   cfg,
		Registry: reg,
		Store:    st,
		Executor: exec,
		Adapters: adapters,
		Bus:      eventBus,
		Out:      out,
	})
	if err != nil {
		return err
	}

	scraper, err := scrape.New(exec, st, rt)
	if err != nil {
		return err
	}

	scheduler, err := sched.New(sched.Opts{
		Config:   cfg,
		Registry: reg,
		Store:    st,
		Executor: exec,
		Router:   rt,
		Scraper:  scraper,
		Bus:      eventBus,
	})
	if err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	srv, err := dashboard.New(dashboard.Opts{
		Config:   cfg,
		Registry: reg,
		Store:    st,
		Router:   rt,
		Bus:      eventBus,
		Syncer:   scraper,
		Out:      out,
	})
	if err != nil {
		return err
	}

	go exec.HealthLoop(ctx, cfg.SSHHosts)
	go rt.Run(ctx)

	fmt.Fprintf(out, "aily online (platforms: %v, hosts: %v)\n", cfg.Platforms, cfg.SSHHosts)

	err = srv.Run(ctx)
	if signalled {
		if err != nil {
			log.Printf("aily: shutdown: %v", err)
		}
		return &exitError{code: exitSignal, err: fmt.Errorf("signal shutdown")}
	}
	return err
}

// buildAdapters connects every enabled platform adapter. An auth failure
// on any platform is unrecoverable at startup.
func buildAdapters(ctx context.Context, cfg *config.Config) ([]platform.Adapter, error) {
	var adapters []platform.Adapter
	for _, p := range cfg.Platforms {
		var (
			a   platform.Adapter
			err error
		)
		switch p {
		case "discord":
			a, err = discordadapter.New(discordadapter.Opts{
				BotToken:  cfg.Discord.BotToken,
				ChannelID: cfg.Discord.ChannelID,
			})
		case "slack":
			a, err = slackadapter.New(slackadapter.Opts{
				AppToken:  cfg.Slack.AppToken,
				BotToken:  cfg.Slack.BotToken,
				ChannelID: cfg.Slack.ChannelID,
			})
		default:
			err = fmt.Errorf("unsupported platform %q", p)
		}
		if err != nil {
			return nil, err
		}
		if err := a.Connect(ctx); err != nil {
			if relay.KindOf(err) == relay.KindUnreachable {
				return nil, fmt.Errorf("%s: authentication or gateway failure: %w", p, err)
			}
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}
