package main

import (
	"chatio/internal/auth"
	"chatio/internal/cluster"
	"chatio/internal/commands"
	"chatio/internal/config"
	"chatio/internal/http"
	"chatio/internal/storage"
	"chatio/internal/ws"
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("chatio", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Username to create (creates user with random password and prints details)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if *addUser != "" {
		return commands.AddUser(*addUser, cfg)
	}

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, authConfig, bbStorage)
	if err != nil {
		return err
	}

	hubOpts := []ws.Option{
		ws.WithRecorder(bbStorage),
		ws.WithSendBuffer(cfg.SendBuffer),
	}
	if cfg.ValidateJoin {
		hubOpts = append(hubOpts, ws.WithJoinValidation(bbStorage))
	}

	var (
		fanout       *cluster.Fanout
		nodePresence *cluster.Presence
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}

		fanout = cluster.NewFanout(client, cfg.RedisPrefix)
		nodePresence = cluster.NewPresence(client, cfg.RedisPrefix, cfg.PresenceTTL)
		hubOpts = append(hubOpts,
			ws.WithPresence(nodePresence),
			ws.WithFanout(fanout),
		)
		slog.Info("multi-node mode enabled", "redis_addr", cfg.RedisAddr, "prefix", cfg.RedisPrefix, "node_id", nodePresence.NodeID())
	} else if err := bbStorage.MarkAllOffline(); err != nil {
		// Single node: nobody can be online before we accept connections.
		return fmt.Errorf("reset presence: %w", err)
	}

	hub := ws.NewHub(hubOpts...)

	adminServer := http.NewAdminServer(authService, hub, cfg.AdminAddr, cfg.BaseURL)
	apiServer := http.NewAPIServer(authService, hub, bbStorage, cfg.APIAddr, cfg.AllowedOrigin)

	g, gCtx := errgroup.WithContext(ctx)

	// Presence writes outlive gCtx until every connection is torn down.
	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHub()
	g.Go(func() error {
		return hub.Run(hubCtx)
	})

	if fanout != nil {
		g.Go(func() error {
			return fanout.Run(gCtx, hub.Deliver)
		})
		g.Go(func() error {
			return nodePresence.Run(gCtx)
		})
	}

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		if fanout != nil {
			// Deliveries published before the subscription is live would be lost.
			select {
			case <-fanout.Ready():
			case <-gCtx.Done():
				return nil
			}
		}
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		// Websockets are hijacked and not tracked by http.Server.
		hub.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}

		// Presence slots must be given back while Redis and bbolt are open.
		if err := hub.Drain(shutdownCtx); err != nil {
			log.Printf("Connection drain error: %v", err)
		}
		stopHub()
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
