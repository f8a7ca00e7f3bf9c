package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"chatsync/auth"
	"chatsync/config"
	"chatsync/discovery"
	"chatsync/logging"
	"chatsync/metrics"
	"chatsync/network"
	"chatsync/server"
	"chatsync/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	serveCmd.Flags().String("server-config", "", "server YAML files (common.yml,dev.yml)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development backend (REST, push channel, metrics)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, _ := cmd.Flags().GetString("server-config")
		return runServe(cmd, paths)
	},
}

func runServe(cmd *cobra.Command, paths string) error {
	cfg, err := config.LoadServer(paths)
	if err != nil {
		return err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	metrics.Register(nil)

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := storage.OpenPath(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("database close error", zap.Error(err))
		}
	}()

	signer, err := auth.NewSigner(cfg.Auth.Secret)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Store:       store,
		Signer:      signer,
		Logger:      log.Named("server"),
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Push: network.ConnectionOptions{
			KeepAliveInterval: cfg.Push.KeepAliveInterval,
			WriteTimeout:      cfg.Push.WriteTimeout,
			OutboundQueue:     cfg.Push.OutboundQueue,
		},
		MachineID: cfg.MachineID,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTP.Addr, err)
	}
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 2 * time.Second,
	}

	log.Info("chatsync backend listening",
		zap.String("version", version),
		zap.String("addr", listener.Addr().String()),
		zap.String("database", cfg.Database.Path),
		zap.String("signing_key", signer.Fingerprint()),
	)

	if cfg.Discovery.Enabled {
		port := listener.Addr().(*net.TCPAddr).Port
		advertiser, err := discovery.Advertise(discovery.Config{Instance: cfg.Discovery.Instance, Port: port})
		if err != nil {
			log.Warn("mDNS advertise failed", zap.Error(err))
		} else {
			defer advertiser.Stop()
			log.Info("mDNS advertising", zap.String("instance", cfg.Discovery.Instance), zap.Int("port", port))
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
