package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ahottois/netguard/internal/adminapi"
	"github.com/ahottois/netguard/internal/config"
	"github.com/ahottois/netguard/internal/dhcpd"
	"github.com/ahottois/netguard/internal/inventory"
	"github.com/ahottois/netguard/internal/tftpd"
	"github.com/ahottois/netguard/pkg/bus"
	"github.com/ahottois/netguard/pkg/telemetry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "netguardd",
		Short:         "NetGuard LAN appliance DHCP core",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run("netguardd", configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the server document (overrides NETGUARD_CONFIG)")
	return cmd
}

func run(serviceName, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	boot, err := config.LoadBootstrap(ctx)
	if err != nil {
		return fmt.Errorf("load bootstrap config: %w", err)
	}
	if configPath != "" {
		boot.ConfigPath = configPath
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName, boot.LogLevel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	cfg, err := config.Load(boot.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store := dhcpd.NewStore(boot.LeaseFile, logger)
	if err := store.Load(); err != nil {
		return fmt.Errorf("load lease file: %w", err)
	}

	var notifier dhcpd.Notifier
	var recorder *inventory.Recorder
	if boot.NATSURL != "" {
		b, err := bus.Connect(boot.NATSURL)
		if err != nil {
			return fmt.Errorf("connect event bus: %w", err)
		}
		defer b.Close()
		notifier = inventory.NewPublisher(ctx, b, logger)
		recorder = inventory.NewRecorder(boot.Registry, logger)
		if _, err := recorder.Start(ctx, b); err != nil {
			return fmt.Errorf("start inventory recorder: %w", err)
		}
	}

	server := dhcpd.NewServer(cfg.DHCP, store, notifier, logger)

	var dhcpReady, tftpReady atomic.Bool
	errCh := make(chan error, 3)

	if cfg.DHCP.Enabled {
		go func() {
			if err := server.Run(ctx, &dhcpReady); err != nil {
				errCh <- fmt.Errorf("dhcp: %w", err)
			}
		}()
	} else {
		dhcpReady.Store(true)
	}

	if cfg.TFTP.Enabled {
		tftpServer := tftpd.NewServer(cfg.TFTP, logger)
		go func() {
			if err := tftpServer.Run(ctx, &tftpReady); err != nil {
				errCh <- fmt.Errorf("tftp: %w", err)
			}
		}()
	} else {
		tftpReady.Store(true)
	}

	admin, err := adminapi.New(server, recorder, logger)
	if err != nil {
		return fmt.Errorf("init admin api: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if dhcpReady.Load() && tftpReady.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "components not ready", http.StatusServiceUnavailable)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/v1/", admin.Routes())

	httpServer := &http.Server{
		Addr:    boot.AdminAddr,
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Info().Str("addr", httpServer.Addr).Msg("admin plane listening")

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
