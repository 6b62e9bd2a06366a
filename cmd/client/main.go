package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"skeld/internal/client"
	"skeld/internal/protocol"
)

func main() {
	address := flag.String("a", "127.0.0.1", "Server address")
	port := flag.String("p", "22023", "Server port")
	name := flag.String("name", "player", "Player name")
	version := flag.String("version", "2022.3.29", "Client version to announce")
	join := flag.String("join", "", "Join this room code instead of hosting (smoke mode)")
	interactive := flag.Bool("tui", true, "Run the interactive terminal UI")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	v, err := protocol.ParseVersion(*version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	events := make(chan string, 64)
	opts := client.Options{
		Name:         *name,
		Version:      v,
		Platform:     protocol.PlatformSteamPC,
		PlatformName: "Steam",
		Logger:       logger,
		OnMessage: func(m protocol.RootMessage) {
			line := describe(m)
			if line == "" {
				return
			}
			select {
			case events <- line:
			default:
			}
		},
	}
	if *interactive {
		// Log lines would tear the alternate screen.
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	c, err := client.Dial(ctx, *address+":"+*port, opts)
	cancel()
	if err != nil {
		logger.Error("connect failed", "err", err)
		os.Exit(1)
	}
	defer c.Close()

	if *interactive {
		p := tea.NewProgram(initialModel(c, events), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			logger.Error("terminal ui failed", "err", err)
		}
		return
	}
	smoke(c, *join, events, logger)
}

// smoke hosts (or joins) a room and prints server messages until
// interrupted or disconnected.
func smoke(c *client.Client, join string, events <-chan string, logger *slog.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	line := "host"
	if join != "" {
		line = "join " + strings.ToUpper(join)
	}
	logger.Info(handleCommand(c, line), "room", protocol.FormatGameCode(c.Room()))

	for {
		select {
		case ev := <-events:
			logger.Info(ev)
		case <-c.Done():
			reason, _ := c.Reason()
			logger.Info("disconnected", "reason", reason)
			return
		case <-ctx.Done():
			return
		}
	}
}
