package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/propgate/propgate/config"
	postgres_wrapper "github.com/propgate/propgate/pkg/infra/postgres"
	redis_wrapper "github.com/propgate/propgate/pkg/infra/redis"
	"github.com/propgate/propgate/pkg/pipeline"
	auditstore "github.com/propgate/propgate/pkg/pipeline/audit_store"
	"github.com/propgate/propgate/pkg/pipeline/model"
	"github.com/propgate/propgate/pkg/pipeline/recon"
	"github.com/propgate/propgate/pkg/pipeline/repo"
	"github.com/propgate/propgate/pkg/pipeline/risk"
	"github.com/propgate/propgate/pkg/pipeline/router"
	sigval "github.com/propgate/propgate/pkg/pipeline/signal"
	"github.com/propgate/propgate/pkg/pipeline/store"
	"github.com/propgate/propgate/pkg/venue"
	"github.com/propgate/propgate/pkg/venue/papervenue"
	"github.com/propgate/propgate/pkg/venue/wsvenue"
	"github.com/propgate/propgate/pkg/webhook"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config-file", "", "Specify config file path")
	flag.Parse()

	logger, _ := zap.NewProduction()
	zap.ReplaceGlobals(logger)
	defer logger.Sync() // nolint

	cfg, err := config.Load(configFile)
	if err != nil {
		panic(err)
	}

	go func() {
		http.ListenAndServe("localhost:6060", nil) // nolint
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	// Audit ledger, optionally fanned out to JetStream for the archive worker.
	audit := auditstore.NewInMemoryAuditStore()
	if cfg.Nats != nil {
		nc, err := nats.Connect(cfg.Nats.URL)
		if err != nil {
			zap.S().Errorf("connect nats fail: %v", err)
			panic(err)
		}
		js, err := nc.JetStream()
		if err != nil {
			panic(err)
		}
		_, _ = js.AddStream(&nats.StreamConfig{
			Name:     cfg.Nats.Stream,
			Subjects: []string{cfg.Nats.Stream + ".*"},
		})
		audit.WithPublisher(auditstore.NewNatsPublisher(js, cfg.Nats.Subject))
	} else if cfg.Kafka != nil {
		audit.WithPublisher(auditstore.NewKafkaPublisher(cfg.Kafka))
	}

	// Persistence: postgres when configured, in-memory otherwise.
	var (
		signals   sigval.SignalStore
		lookup    pipeline.SignalLookup
		decisions risk.DecisionStore
		orders    router.OrderStore
		accounts  repo.IAccount
	)
	if cfg.PipelineDB != nil {
		db := postgres_wrapper.InitPostgresWithBackoff(cfg.PipelineDB)
		sqlRepo := repo.NewRepo(db)
		signals = sqlRepo.Signal()
		lookup = sqlRepo.Signal()
		decisions = sqlRepo.Decision()
		orders = sqlRepo.Order()
		accounts = sqlRepo.Account()
	} else {
		mem := store.NewMemoryStore()
		signals, lookup, decisions, orders = mem, mem, mem, mem
	}

	// Nonce replay window: redis survives restarts, memory does not.
	var nonces sigval.NonceStore
	if cfg.Redis != nil {
		client, err := redis_wrapper.InitRedis(cfg.Redis)
		if err != nil {
			zap.S().Errorf("init redis fail: %v", err)
			panic(err)
		}
		nonces = sigval.NewRedisNonceStore(client)
	} else {
		nonces = sigval.NewInMemoryNonceStore()
	}

	ledger := risk.NewLedger()
	switches := risk.NewKillSwitchRegistry()
	engine := risk.NewEngine(&cfg.Risk, ledger, switches, decisions, audit)

	if err := seedAccounts(ctx, cfg, ledger, accounts); err != nil {
		zap.S().Errorf("seed accounts fail: %v", err)
		panic(err)
	}

	validator := sigval.NewValidator(&cfg.Signal, ledger, signals, nonces, audit)
	orderRouter := router.NewRouter(&cfg.Router, orders, audit, engine)

	reconCfg, err := cfg.Recon.ToRecon()
	if err != nil {
		panic(err)
	}
	reconciler := recon.NewReconciler(&reconCfg, engine, orders, audit)

	for _, vc := range cfg.Venues {
		conn, err := buildConnector(vc)
		if err != nil {
			zap.S().Errorf("init venue %s fail: %v", vc.Name, err)
			panic(err)
		}
		orderRouter.RegisterConnector(conn)
		reconciler.RegisterConnector(conn)
	}

	pipe := pipeline.NewPipeline(validator, engine, orderRouter, reconciler, audit, lookup)

	go reconciler.Run(ctx)

	srv := webhook.NewServer(pipe)
	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	httpSrv := &http.Server{Addr: addr, Handler: srv.Router}
	go func() {
		zap.S().Infof("%s listening on %s", cfg.ServiceName, addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.S().Errorf("http server: %v", err)
		}
	}()

	<-sigs
	zap.S().Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

func seedAccounts(ctx context.Context, cfg *config.AppConfig, ledger *risk.Ledger, accounts repo.IAccount) error {
	for _, ac := range cfg.Accounts {
		limits, err := cfg.LimitTemplate(ac.LimitTemplate)
		if err != nil {
			return err
		}
		equity := decimal.Zero
		if ac.EquityStart != "" {
			equity, err = decimal.NewFromString(ac.EquityStart)
			if err != nil {
				return err
			}
		}
		phase := model.AccountPhase(ac.Phase)
		if phase == "" {
			phase = model.PhaseEvaluation
		}
		account := &model.Account{
			AccountID:     ac.AccountID,
			Venue:         ac.Venue,
			Limits:        limits,
			KillSwitch:    model.KillSwitchArmed,
			Phase:         phase,
			EquityPeak:    equity,
			EquityCurrent: equity,
			Positions:     map[string]decimal.Decimal{},
			WebhookSecret: ac.WebhookSecret,
			CreatedAt:     time.Now().UTC(),
			UpdatedAt:     time.Now().UTC(),
		}
		ledger.Register(account)
		if accounts != nil {
			if err := accounts.SaveAccount(ctx, account); err != nil {
				return err
			}
		}
	}
	return nil
}

func buildConnector(vc config.VenueConfig) (venue.Connector, error) {
	switch vc.Kind {
	case "ws":
		conn := wsvenue.NewWsVenue(&wsvenue.Config{
			Name:        vc.Name,
			URL:         vc.URL,
			AccessToken: vc.AccessToken,
		})
		if err := conn.Connect(context.Background()); err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return papervenue.NewPaperVenue(&papervenue.Config{Name: vc.Name, AutoFill: true}), nil
	}
}
