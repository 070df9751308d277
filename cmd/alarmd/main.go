// Command alarmd is the alarm evaluation and distribution server. It loads
// the server configuration document and alarm definitions, connects to the
// message broker and the History Store, starts one evaluator goroutine per
// configured alarm, the Status Projection & Subscription Broadcaster, the
// Ack Dispatcher, the websocket Client Session handler, and the Admin/
// Introspection API, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/alarmd/internal/ackdispatch"
	"github.com/tripwire/alarmd/internal/alarm"
	"github.com/tripwire/alarmd/internal/auditlog"
	"github.com/tripwire/alarmd/internal/broker"
	"github.com/tripwire/alarmd/internal/config"
	"github.com/tripwire/alarmd/internal/history"
	"github.com/tripwire/alarmd/internal/metrics"
	"github.com/tripwire/alarmd/internal/projection"
	rest "github.com/tripwire/alarmd/internal/restapi"
	"github.com/tripwire/alarmd/internal/wsserver"
)

const defaultConfigPath = "examples/server_config.toml"

func main() {
	os.Exit(run())
}

func run() int {
	auditLogPath := flag.String("audit-log", "audit.log", "path to the hash-chained audit log file")
	auditDSN := flag.String("audit-postgres-dsn", "", "optional PostgreSQL DSN for the secondary audit sink (disabled if empty)")
	jwtPubKeyPath := flag.String("jwt-pubkey", "", "path to a PEM RSA public key used to validate Admin API bearer tokens (disabled if empty)")
	logLevel := flag.String("log-level", "info", "log level: debug | info | warn | error")
	writeTimeout := flag.Duration("ws-write-timeout", 10*time.Second, "websocket write deadline per frame")
	outboxPath := flag.String("history-outbox", "", "path to a WAL-mode SQLite retry outbox for failed History Store writes (disabled if empty)")
	outboxDrainInterval := flag.Duration("history-outbox-drain-interval", 30*time.Second, "how often the retry outbox retries pending writes")
	flag.Parse()

	configPath := defaultConfigPath
	if flag.NArg() > 0 {
		configPath = flag.Arg(0)
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("alarmd: failed to load server configuration", slog.Any("error", err))
		return 1
	}

	alarms, contentHash, err := loadAlarmDefinitions(cfg.Alarm.DefinitionsPath)
	if err != nil {
		logger.Error("alarmd: failed to load alarm definitions", slog.Any("error", err))
		return 1
	}
	logger.Info("configuration loaded",
		slog.String("config_path", configPath),
		slog.String("definitions_path", cfg.Alarm.DefinitionsPath),
		slog.Int("alarm_count", len(alarms)),
	)

	trail, err := openAuditTrail(*auditLogPath, *auditDSN, logger)
	if err != nil {
		logger.Error("alarmd: failed to open audit trail", slog.Any("error", err))
		return 1
	}
	defer trail.Close()
	trail.RecordConfigLoaded(len(alarms), cfg.Alarm.DefinitionsPath, contentHash)

	var pubKey *rsa.PublicKey
	if *jwtPubKeyPath != "" {
		pem, err := os.ReadFile(*jwtPubKeyPath)
		if err != nil {
			logger.Error("alarmd: failed to read JWT public key", slog.Any("error", err))
			return 1
		}
		pubKey, err = jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			logger.Error("alarmd: failed to parse JWT public key", slog.Any("error", err))
			return 1
		}
		logger.Info("Admin API JWT validation enabled")
	} else {
		logger.Warn("no JWT public key configured; Admin API ack endpoint is unauthenticated (dev mode)")
	}

	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var outbox *history.Outbox
	storeOpts := []history.Option{history.WithMetrics(m)}
	if *outboxPath != "" {
		outbox, err = history.OpenOutbox(*outboxPath)
		if err != nil {
			logger.Error("alarmd: failed to open history outbox", slog.Any("error", err))
			return 1
		}
		defer outbox.Close()
		storeOpts = append(storeOpts, history.WithOutbox(outbox))
		logger.Info("history outbox enabled", slog.String("path", *outboxPath), slog.Int("pending", outbox.Depth()))
	}

	store := history.New(history.Config{URL: cfg.DB.URL, Table: cfg.DB.Table}, logger, storeOpts...)
	store.EnsureTable(ctx)
	if outbox != nil {
		go outbox.DrainLoop(ctx, store, *outboxDrainInterval, logger)
	}

	brokerClient := broker.New(broker.Config{
		Host:     cfg.Broker.Host,
		Port:     cfg.Broker.Port,
		Username: cfg.Broker.Username,
		Password: cfg.Broker.Password,
	}, logger, broker.WithMetrics(m))

	events := make(chan alarm.Event, 100)
	acks := make(chan string, 100)

	for _, ac := range alarms {
		meas := brokerClient.Subscribe(ac.Measurement)
		ev := alarm.NewEvaluator(ac, store, logger, meas, events, m)
		go ev.Run(ctx)
	}

	bc := projection.NewBroadcaster(logger, projection.WithMetrics(m), projection.WithPublisher(brokerClient))
	go bc.Run(events)

	dispatcher := ackdispatch.New(store, events, logger, m)
	go dispatcher.Run(ctx, acks)

	go forwardBrokerAcks(ctx, brokerClient, acks)

	brokerErrCh := make(chan error, 1)
	go func() {
		brokerErrCh <- brokerClient.Run(ctx)
		close(brokerErrCh)
	}()

	route := alarmNameSetFrom(alarms)

	wsHandler := wsserver.NewHandler(bc, route, acks, logger, m, *writeTimeout)
	restSrv := rest.NewServer(alarms, bc, route, acks, trail)
	restHandler := rest.NewRouter(restSrv, pubKey)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", restHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddr, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("alarmd listening", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-brokerErrCh:
		if err != nil {
			logger.Error("broker connection failed", slog.Any("error", err))
			exitCode = 1
		}
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", slog.Any("error", err))
			exitCode = 1
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("alarmd exited cleanly")
	return exitCode
}

// forwardBrokerAcks copies alarm names off the broker's own ack channel onto
// the shared ack channel the Ack Dispatcher reads, so that broker-sourced,
// client-sourced, and Admin-API-sourced acks are indistinguishable once they
// reach the dispatcher.
func forwardBrokerAcks(ctx context.Context, brokerClient *broker.Client, acks chan<- string) {
	src := brokerClient.Acks()
	for {
		select {
		case <-ctx.Done():
			return
		case name, ok := <-src:
			if !ok {
				return
			}
			select {
			case acks <- name:
			case <-ctx.Done():
				return
			}
		}
	}
}

// alarmNameSet builds an AckRoute satisfying both the Admin API's and the
// Client Session's identical Valid(name string) bool contract.
type alarmNameSet map[string]struct{}

func (s alarmNameSet) Valid(name string) bool {
	_, ok := s[name]
	return ok
}

func loadAlarmDefinitions(path string) ([]alarm.Config, string, error) {
	alarms, err := config.LoadAlarmDefinitions(path)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(data)
	return alarms, hex.EncodeToString(sum[:]), nil
}

func alarmNameSetFrom(alarms []alarm.Config) alarmNameSet {
	set := make(alarmNameSet, len(alarms))
	for _, a := range alarms {
		set[a.Name] = struct{}{}
	}
	return set
}

func openAuditTrail(filePath, dsn string, logger *slog.Logger) (*auditlog.Trail, error) {
	fileSink, err := auditlog.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open audit file sink: %w", err)
	}

	var pg *auditlog.PostgresSink
	if dsn != "" {
		pg, err = auditlog.NewPostgresSink(context.Background(), dsn)
		if err != nil {
			logger.Warn("audit: postgres sink unavailable, continuing with file sink only", slog.Any("error", err))
			pg = nil
		}
	}

	return auditlog.NewTrail(fileSink, pg, logger), nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
