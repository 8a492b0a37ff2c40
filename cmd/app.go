package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/utxostack/rgbpp-paymaster/internal/btc"
	"github.com/utxostack/rgbpp-paymaster/internal/ckb"
	"github.com/utxostack/rgbpp-paymaster/internal/config"
	"github.com/utxostack/rgbpp-paymaster/internal/db"
	"github.com/utxostack/rgbpp-paymaster/internal/http"
	"github.com/utxostack/rgbpp-paymaster/internal/paymaster"
	"github.com/utxostack/rgbpp-paymaster/internal/proof"
	"github.com/utxostack/rgbpp-paymaster/internal/queue"
	"github.com/utxostack/rgbpp-paymaster/internal/settlement"
	"github.com/utxostack/rgbpp-paymaster/internal/signer"
	"github.com/utxostack/rgbpp-paymaster/internal/unlocker"
)

type Application struct {
	DatabaseManager   *db.DatabaseManager
	Store             queue.Store
	Paymaster         *paymaster.Paymaster
	SettlementService *settlement.Service
	Unlocker          *unlocker.Unlocker
	HTTPServer        *http.HTTPServer
}

func NewApplication() *Application {
	config.InitConfig()

	store, err := queue.NewRedisStore(config.AppConfig.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue store: %v", err)
	}

	dbm := db.NewDatabaseManager()
	audit := db.NewAuditStore(dbm)

	btcClient := btc.NewClient(config.AppConfig.BTCDataURL)
	ckbClient := ckb.NewClient(config.AppConfig.CKBRPC, config.AppConfig.CKBIndexerRPC)
	proofClient := proof.NewClient(config.AppConfig.ProofServiceURL)
	signerClient := signer.NewClient(config.AppConfig.SignerURL)

	pm := paymaster.NewPaymaster(store, ckbClient, signerClient, audit, paymaster.ConfigFromApp())
	settlementService := settlement.NewService(store, btcClient, ckbClient, pm, audit)
	unlockerService := unlocker.NewUnlocker(btcClient, ckbClient, proofClient, signerClient,
		unlocker.ConfigFromApp(pm.LockScript()))
	httpServer := http.NewHTTPServer(settlementService, pm)

	return &Application{
		DatabaseManager:   dbm,
		Store:             store,
		Paymaster:         pm,
		SettlementService: settlementService,
		Unlocker:          unlockerService,
		HTTPServer:        httpServer,
	}
}

func (app *Application) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.SettlementService.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Unlocker.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.HTTPServer.Start(ctx)
	}()

	<-stop
	log.Info("Receiving exit signal...")

	// stop intake and drain in-flight settlement work before cancelling
	app.SettlementService.Pause()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := app.SettlementService.Close(drainCtx); err != nil {
		log.Errorf("Settlement drain error: %v", err)
	}
	drainCancel()

	cancel()
	wg.Wait()

	if err := app.Store.Close(); err != nil {
		log.Errorf("Queue store close error: %v", err)
	}
	log.Info("Server stopped")
}

func main() {
	app := NewApplication()
	app.Run()
}
