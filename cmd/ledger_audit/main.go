// Package main reconciles every credit account against its ledger rows.
// It exits with status 1 when any discrepancy is found.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/video-batcher/internal/config"
	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/service"
	"github.com/video-batcher/internal/storage"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "Audit timeout")
	asJSON := flag.Bool("json", false, "Print the full report as JSON")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}

	ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), *timeout)
	report, err := service.NewLedgerAuditor(storage.NewCreditRepository(postgres)).Run(ctx)
	cancel()
	postgres.Close()
	if err != nil {
		logger.WithError(err).Fatal("Ledger audit failed")
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			logger.WithError(err).Fatal("Failed to write report")
		}
	}

	for _, d := range report.Discrepancies {
		logger.WithFields(map[string]interface{}{
			"userId":         d.UserID,
			"balance":        d.Balance,
			"transactionSum": d.TransactionSum,
			"reason":         d.Reason,
		}).Warn("Account does not match its ledger")
	}

	logger.WithFields(map[string]interface{}{
		"accountsChecked": report.AccountsChecked,
		"discrepancies":   len(report.Discrepancies),
		"doubleSettled":   report.DoubleSettled,
		"strandedHolds":   report.StrandedHolds,
	}).Info("Ledger audit finished")

	if !report.Healthy() {
		os.Exit(1)
	}
}
