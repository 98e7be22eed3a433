// Command chessdbot connects one or more automated chess engines to a
// chessd BOSH/XMPP server (spec.md §1). It loads the <bots>
// configuration document (config.xml unless -c/--config names another
// file), builds a shared log sink, spawns one bot.Bot per configured
// <bot> element, and runs them concurrently until SIGINT/SIGTERM or a
// fatal condition (config load failure, a server name that does not form
// a valid JID, or an engine declaring setboard=0) brings the whole
// process down.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/toddsdk/chessdbot/internal/bot"
	"github.com/toddsdk/chessdbot/internal/config"
	"github.com/toddsdk/chessdbot/internal/logging"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "chessdbot:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	handler, closer, err := logging.NewSinkHandler(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("opening log sink: %w", err)
	}
	defer closer.Close()
	log := slog.New(handler)
	slog.SetDefault(log)

	log.Info("chessdbot starting", "server", cfg.Server, "port", cfg.Port, "bots", len(cfg.Bots))

	g, gctx := errgroup.WithContext(ctx)
	for _, be := range cfg.Bots {
		b := bot.New(bot.Config{
			Server:     cfg.Server,
			Port:       cfg.Port,
			Username:   be.Username,
			Password:   be.Password,
			EnginePath: be.EnginePath,
			Opponent:   be.Opponent,
		}, log.With("user", be.Username))

		g.Go(func() error {
			return b.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("bot error: %w", err)
	}
	return nil
}
