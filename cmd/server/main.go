package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"skeld/internal/config"
	"skeld/internal/event"
	"skeld/internal/loop"
	"skeld/internal/monitor"
	"skeld/internal/server"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "skeld.yaml", "Path to the YAML config file")
	addr := flag.String("a", "", "Address to bind to (overrides config)")
	port := flag.Int("p", 0, "UDP port to use (overrides config)")
	level := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *level != "" {
		cfg.Log.Level = *level
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := cfg.Logger()
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l := loop.New(4096, logger)
	feed := event.NewFeed()
	srv, err := server.New(server.Options{Config: cfg, Loop: l, Logger: logger, Feed: feed})
	if err != nil {
		return err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr())
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	// The loop outlives the listener so shutdown can still run on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := l.Run(loopCtx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return srv.Serve(gctx, conn) })

	if addr := cfg.MonitorAddr(); addr != "" {
		httpSrv := &http.Server{
			Addr:         addr,
			Handler:      monitor.New(srv, feed, logger).Routes(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			logger.Info("monitor listening", "addr", addr)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received signal, shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := l.Call(sctx, func() { srv.Shutdown(sctx) })
		stopLoop()
		if errors.Is(err, loop.ErrStopped) {
			return nil
		}
		return err
	})

	return g.Wait()
}
