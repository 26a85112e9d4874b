// Package main contains the entrypoint of the chatsync terminal chat.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgard/chatsync/internal/app"
	"github.com/edgard/chatsync/internal/config"
	"github.com/edgard/chatsync/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run loads configuration, builds the application, opens the conversation
// between -self and -peer and runs the terminal until it quits or a signal
// arrives. It returns the process exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	self := flag.String("self", "", "Participant id of this terminal")
	peer := flag.String("peer", "", "Participant id of the other side")
	serveOnly := flag.Bool("serve", false, "Only serve the realtime hub, without a terminal")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	log.Debug("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	if !*serveOnly && (*self == "" || *peer == "") {
		fmt.Fprintln(os.Stderr, "usage: chatsync -self <id> -peer <id> [-config path] | chatsync -serve")
		return 2
	}

	a, err := app.New(cfg, log, nil)
	if err != nil {
		log.Error("Failed to initialize", "error", err)
		return 1
	}
	defer a.Close()

	if *serveOnly {
		if err := a.Run(ctx, nil); err != nil {
			return 1
		}
		return 0
	}

	s, closeSession, err := a.Open(ctx, *self, *peer)
	if err != nil {
		log.Error("Failed to open conversation", "self", *self, "peer", *peer, "error", err)
		return 1
	}

	term := newTerminal(s, a.Scheduler(), os.Stdin, os.Stdout)
	runErr := a.Run(ctx, term.run)
	closeSession()
	term.wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	return 0
}
