package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"securechat/chat"
	"securechat/config"
	"securechat/crypto"
	"securechat/delivery"
	"securechat/log"
	"securechat/models"
	"securechat/network"
	"securechat/storage"
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 2 * time.Minute
)

// options are the flags shared by every command.
type options struct {
	server string
}

func newRootCommand() *cobra.Command {
	var opts options

	run := func(cmd *cobra.Command, args []string) error {
		return runClient(cmd.Context(), opts)
	}

	cmd := &cobra.Command{
		Use:   "securechat",
		Short: "End-to-end encrypted messaging client",
		Long: `securechat connects to a messaging server, delivers OpenPGP encrypted
messages to contacts and tracks their delivery state. Without a subcommand it
runs the client until interrupted.`,
		SilenceUsage: true,
		RunE:         run,
	}
	cmd.PersistentFlags().StringVarP(&opts.server, "server", "s", "",
		"messaging server as host[:port], overrides the configured server")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the client until interrupted",
			RunE:  run,
		},
		newKeygenCommand(),
		newFingerprintCommand(),
		newRevokeCommand(),
		newAuditCommand(),
		newContactCommand(),
	)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the configuration and applies the --server override.
func loadConfig(opts options) (*config.ClientConfig, string, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	if opts.server != "" {
		host, port, err := config.ParseServer(opts.server)
		if err != nil {
			return nil, "", err
		}
		cfg.ServerHost, cfg.ServerPort = host, port
	}
	return cfg, cfgPath, nil
}

func runClient(ctx context.Context, opts options) error {
	cfg, cfgPath, err := loadConfig(opts)
	if err != nil {
		return err
	}
	dataDir := filepath.Dir(cfgPath)

	backend, err := log.New(cfg.LogFile, cfg.LogLevel, cfg.DisableLog)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer backend.Close()
	logger := backend.GetLogger("main")
	go rotateOnHangup(ctx, backend, logger)

	keys, err := loadKeyMaterial(cfg)
	if err != nil {
		return err
	}
	if fp := keys.FingerprintHex(); cfg.KeyFingerprint != fp {
		cfg.KeyFingerprint = fp
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("persist key fingerprint: %w", err)
		}
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warningf("database close error: %v", err)
		}
	}()

	store.SetSecurityEventRetention(cfg.AuditRetention())

	fmt.Printf("Account:         %s\n", keys.UserID())
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
	fmt.Printf("Server:          %s\n", cfg.ServerAddress())
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)

	registry := prometheus.NewRegistry()
	metrics := delivery.NewMetrics(registry)
	if cfg.MetricsAddress != "" {
		go serveMetrics(ctx, cfg.MetricsAddress, registry, logger)
	}

	deps := models.Deps{Store: store, Log: backend.GetLogger("message")}
	index := chat.NewIndex()
	chats := chat.NewRegistry(store, deps, index, backend.GetLogger("chat"))
	tracker := delivery.NewTracker(index, store, metrics, backend.GetLogger("tracker"))
	center, err := delivery.NewCenter(delivery.Config{
		Registry: chats,
		Tracker:  tracker,
		Coder:    crypto.NewPGPCoder(nil),
		Contacts: store,
		Keys:     keys,
		Auditor:  store,
		Metrics:  metrics,
		Deps:     deps,
		Log:      backend.GetLogger("center"),
	})
	if err != nil {
		return err
	}
	if err := center.Restore(); err != nil {
		logger.Warningf("restoring conversations failed: %v", err)
	}

	tlsConfig, err := clientTLSConfig(cfg, keys)
	if err != nil {
		return err
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	connectLoop(ctx, cfg, keys, tlsConfig, center, backend.GetLogger("network"), logger)
	fmt.Println("Status:          shutting down")
	return nil
}

// connectLoop keeps a server session open until ctx is done. Pending
// messages are resent after every reconnect.
func connectLoop(ctx context.Context, cfg *config.ClientConfig, keys *crypto.KeyMaterial, tlsConfig *tls.Config, center *delivery.Center, netLog, logger *logging.Logger) {
	delay := minReconnectDelay
	for ctx.Err() == nil {
		conn, err := network.Dial(ctx, cfg.ServerAddress(), tlsConfig, network.Options{
			Account:     keys.UserID(),
			Fingerprint: keys.FingerprintHex(),
			Log:         netLog,
		})
		if err != nil {
			logger.Warningf("connect failed, retrying in %s: %v", delay, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxReconnectDelay)
			continue
		}
		delay = minReconnectDelay

		center.SetTransport(conn)
		logger.Noticef("connected to %s, resent %d pending messages", cfg.ServerAddress(), center.ResendAll())
		err = conn.Serve(ctx, center)
		center.SetTransport(nil)
		_ = conn.Close()
		if err != nil {
			logger.Warningf("connection lost: %v", err)
		}
	}
}

func clientTLSConfig(cfg *config.ClientConfig, keys *crypto.KeyMaterial) (*tls.Config, error) {
	cert, err := keys.TLSCertificate()
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		ServerName:   cfg.ServerHost,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.ServerCAPath != "" {
		pem, err := os.ReadFile(cfg.ServerCAPath)
		if err != nil {
			return nil, fmt.Errorf("read server CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.ServerCAPath)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

func serveMetrics(ctx context.Context, address string, registry *prometheus.Registry, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Noticef("serving metrics on %s", address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warningf("metrics server: %v", err)
	}
}

func rotateOnHangup(ctx context.Context, backend *log.Backend, logger *logging.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := backend.Rotate(); err != nil {
				fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
				continue
			}
			logger.Notice("log file reopened")
		}
	}
}
