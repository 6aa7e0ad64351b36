package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-sink-lite/internal/api"
	"github.com/shineum/smtp-sink-lite/internal/config"
	"github.com/shineum/smtp-sink-lite/internal/ingest"
	"github.com/shineum/smtp-sink-lite/internal/mbox"
	"github.com/shineum/smtp-sink-lite/internal/normalize"
	"github.com/shineum/smtp-sink-lite/internal/notify"
	"github.com/shineum/smtp-sink-lite/internal/provider"
	"github.com/shineum/smtp-sink-lite/internal/provider/graph"
	"github.com/shineum/smtp-sink-lite/internal/provider/ses"
	"github.com/shineum/smtp-sink-lite/internal/provider/stdout"
	"github.com/shineum/smtp-sink-lite/internal/smtp"
	"github.com/shineum/smtp-sink-lite/internal/store"
	smtptls "github.com/shineum/smtp-sink-lite/internal/tls"
)

// serve runs the SMTP receiver and the HTTP API until ctx is cancelled or
// either of them fails.
func serve(ctx context.Context, cfg *config.Config, seed string) error {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	broker := notify.NewBroker()
	publisher, redis, closePublisher, err := openPublisher(ctx, cfg, broker)
	if err != nil {
		return err
	}
	defer closePublisher()

	pipeline := ingest.New(normalize.New(), st, publisher)

	relay, err := selectRelay(ctx, cfg)
	if err != nil {
		return err
	}

	if seed != "" {
		if _, err := mbox.ImportFile(ctx, seed, pipeline); err != nil {
			return fmt.Errorf("failed to seed from %s: %w", seed, err)
		}
	}

	// STARTTLS is always offered; a self-signed certificate stands in
	// when no files are configured.
	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}
	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:      cfg.SMTP.Listen,
		Hostname:        cfg.SMTP.Hostname,
		Ingester:        pipeline,
		TLSConfig:       tlsConfig,
		AuthUsername:    cfg.SMTP.Username,
		AuthPassword:    cfg.SMTP.Password,
		MaxMessageBytes: cfg.SMTP.MaxMessageSize,
	})

	apiConfig := api.Config{
		Store:    st,
		Ingester: pipeline,
		Broker:   broker,
		Relay:    relay,
		Username: cfg.HTTP.Username,
		Password: cfg.HTTP.Password,
	}
	if redis != nil {
		apiConfig.Redis = redis
	}
	apiServer := api.NewServer(cfg.HTTP.Listen, api.NewRouter(apiConfig))

	relayName := "disabled"
	if relay != nil {
		relayName = relay.Name()
	}
	slog.Info("starting smtp-sink-lite",
		"smtp_listen", cfg.SMTP.Listen,
		"http_listen", cfg.HTTP.Listen,
		"store", st.Name(),
		"relay", relayName,
		"smtp_auth_enabled", cfg.AuthEnabled(),
		"http_auth_enabled", cfg.HTTPAuthEnabled(),
		"tls_mode", tlsMode,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return smtpServer.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return apiServer.ListenAndServe(gctx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("smtp-sink-lite stopped")
	return nil
}

// openStore builds the configured message store and returns a cleanup for
// any connections it holds.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := store.Connect(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		st, err := store.NewPostgres(ctx, pool, cfg.Storage.MessagesLimit)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil
	default:
		return store.NewMemory(cfg.Storage.MessagesLimit), noop, nil
	}
}

// openPublisher combines the in-process broker with Redis when a Redis URL
// is configured. broker may be nil, and so is the returned Redis publisher
// when Redis is not configured.
func openPublisher(ctx context.Context, cfg *config.Config, broker *notify.Broker) (notify.Publisher, *notify.Redis, func(), error) {
	var publishers notify.Multi
	if broker != nil {
		publishers = append(publishers, broker)
	}

	if cfg.Redis.URL == "" {
		return publishers, nil, noop, nil
	}

	rdb, err := notify.DialRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.Info("publishing message events to redis", "channel", cfg.Redis.Channel)

	redis := notify.NewRedis(rdb, cfg.Redis.Channel)
	publishers = append(publishers, redis)
	return publishers, redis, func() { rdb.Close() }, nil
}

// selectRelay chooses the provider used to release captured messages. An
// empty provider setting auto-detects Graph, then SES, and otherwise leaves
// releasing disabled.
func selectRelay(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Relay.Provider {
	case config.RelaySES:
		return newSES(ctx, cfg)
	case config.RelayGraph:
		return newGraph(cfg), nil
	case config.RelayStdout:
		slog.Info("using stdout relay")
		return stdout.New(), nil
	case "":
		if cfg.GraphConfigured() {
			return newGraph(cfg), nil
		}
		if cfg.SESConfigured() {
			return newSES(ctx, cfg)
		}
		slog.Info("no relay provider configured, releasing disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown relay provider %q", cfg.Relay.Provider)
	}
}

func newSES(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	slog.Info("using AWS SES relay",
		"region", cfg.Relay.SES.Region,
		"sender", cfg.Relay.SES.Sender,
	)
	p, err := ses.New(ctx, ses.SESProviderConfig{
		Region:          cfg.Relay.SES.Region,
		AccessKeyID:     cfg.Relay.SES.AccessKeyID,
		SecretAccessKey: cfg.Relay.SES.SecretAccessKey,
		Sender:          cfg.Relay.SES.Sender,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SES relay: %w", err)
	}
	return p, nil
}

func newGraph(cfg *config.Config) provider.Provider {
	slog.Info("using Microsoft Graph relay", "sender", cfg.Relay.Graph.Sender)
	return graph.New(graph.GraphProviderConfig{
		TenantID:     cfg.Relay.Graph.TenantID,
		ClientID:     cfg.Relay.Graph.ClientID,
		ClientSecret: cfg.Relay.Graph.ClientSecret,
		Sender:       cfg.Relay.Graph.Sender,
	})
}
