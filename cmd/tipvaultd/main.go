package main

import (
	"context"
	"encoding/hex"
	"log"
	"net/http"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"tipvault/chain"
	"tipvault/config"
	"tipvault/custody"
	"tipvault/evidence"
	"tipvault/ledger"
	"tipvault/models"
	"tipvault/observability"
	"tipvault/observability/logging"
	"tipvault/recon"
	"tipvault/server"
	"tipvault/settlement"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("tipvaultd", cfg.LogEnvironment)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}
	store := ledger.New(db)

	mint, err := chain.ParseAddress(cfg.TokenMint)
	if err != nil {
		log.Fatalf("invalid token mint %s: %v", cfg.TokenMint, err)
	}

	custodySvc, err := custody.New(custody.Config{
		DB:         db,
		JWTSecret:  []byte(cfg.JWTSecret),
		SessionTTL: cfg.SessionTTL,
	})
	if err != nil {
		log.Fatalf("custody init error: %v", err)
	}

	rpcClient := chain.NewClient(chain.Config{URL: cfg.RPCURL})

	evidenceKey, err := hex.DecodeString(cfg.EvidenceKeyHex)
	if err != nil {
		log.Fatalf("invalid evidence key: %v", err)
	}
	fileStore, err := evidence.NewFileStore(cfg.EvidenceDir)
	if err != nil {
		log.Fatalf("evidence store error: %v", err)
	}
	evidenceStore, err := evidence.NewEncryptedStore(fileStore, evidenceKey)
	if err != nil {
		log.Fatalf("evidence encryption error: %v", err)
	}

	orchestrator := settlement.New(settlement.Config{
		Ledger:         store,
		Custody:        custodySvc,
		Network:        rpcClient,
		TokenMint:      mint,
		ConfirmTimeout: cfg.ConfirmTimeout,
		Logger:         logger,
		Metrics:        observability.Settlement(),
	})

	srv := server.New(server.Config{
		Ledger:         store,
		Custody:        custodySvc,
		Orchestrator:   orchestrator,
		Evidence:       evidenceStore,
		Network:        rpcClient,
		Logger:         logger,
		SessionTTL:     cfg.SessionTTL,
		BalanceTimeout: cfg.BalanceTimeout,
		RateLimits: map[string]server.RateLimit{
			"auth":   {RequestsPerMinute: float64(cfg.AuthRateLimit), Burst: cfg.AuthRateLimit},
			"settle": {RequestsPerMinute: float64(cfg.SettleRateLimit), Burst: cfg.SettleRateLimit},
		},
	})

	reconciler, err := recon.NewReconciler(recon.Config{
		Store:     store,
		Confirmer: rpcClient,
		OutputDir: cfg.ReconOutputDir,
		DryRun:    cfg.ReconDryRun,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("reconciler init error: %v", err)
	}
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		Window:     cfg.ReconWindow,
		RunHour:    cfg.ReconRunHour,
		RunMinute:  cfg.ReconRunMinute,
		Logger:     logger,
	})
	go scheduler.Start(context.Background())

	addr := ":" + cfg.Port
	logger.Info("starting tipvaultd", "addr", addr)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
