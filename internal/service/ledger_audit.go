package service

import (
	"context"
	"fmt"

	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/storage"
)

// AuditSource exposes the aggregates the ledger audit compares
type AuditSource interface {
	AuditAccounts(ctx context.Context) ([]storage.AccountAudit, error)
	CountDoubleSettled(ctx context.Context) (int64, error)
	CountStrandedHolds(ctx context.Context) (int64, error)
}

// AccountDiscrepancy describes one account whose balance disagrees with its ledger
type AccountDiscrepancy struct {
	UserID           string `json:"userId"`
	Balance          int64  `json:"balance"`
	TransactionSum   int64  `json:"transactionSum"`
	LastBalanceAfter *int64 `json:"lastBalanceAfter,omitempty"`
	Reason           string `json:"reason"`
}

// AuditReport is the result of one ledger audit
type AuditReport struct {
	AccountsChecked int                  `json:"accountsChecked"`
	Discrepancies   []AccountDiscrepancy `json:"discrepancies"`
	DoubleSettled   int64                `json:"doubleSettled"`
	StrandedHolds   int64                `json:"strandedHolds"`
}

// Healthy reports whether the audit found nothing
func (r *AuditReport) Healthy() bool {
	return len(r.Discrepancies) == 0 && r.DoubleSettled == 0 && r.StrandedHolds == 0
}

// LedgerAuditor checks stored balances against the append-only ledger
type LedgerAuditor struct {
	source AuditSource
}

// NewLedgerAuditor creates a new ledger auditor
func NewLedgerAuditor(source AuditSource) *LedgerAuditor {
	return &LedgerAuditor{source: source}
}

// Run audits every account
func (a *LedgerAuditor) Run(ctx context.Context) (*AuditReport, error) {
	accounts, err := a.source.AuditAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	report := &AuditReport{AccountsChecked: len(accounts), Discrepancies: []AccountDiscrepancy{}}
	for _, acct := range accounts {
		if reason := auditAccount(acct); reason != "" {
			report.Discrepancies = append(report.Discrepancies, AccountDiscrepancy{
				UserID:           acct.UserID,
				Balance:          acct.Balance,
				TransactionSum:   acct.TransactionSum,
				LastBalanceAfter: acct.LastBalanceAfter,
				Reason:           reason,
			})
		}
	}

	report.DoubleSettled, err = a.source.CountDoubleSettled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count double-settled reservations: %w", err)
	}
	report.StrandedHolds, err = a.source.CountStrandedHolds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count stranded holds: %w", err)
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"accounts":      report.AccountsChecked,
		"discrepancies": len(report.Discrepancies),
		"doubleSettled": report.DoubleSettled,
		"strandedHolds": report.StrandedHolds,
	})
	if report.Healthy() {
		logger.Info("Ledger audit passed")
	} else {
		logger.Warn("Ledger audit found inconsistencies")
	}
	return report, nil
}

func auditAccount(acct storage.AccountAudit) string {
	if acct.Balance != acct.TransactionSum {
		return fmt.Sprintf("balance %d does not equal transaction sum %d", acct.Balance, acct.TransactionSum)
	}
	if acct.LastBalanceAfter == nil {
		if acct.Balance != 0 {
			return "non-zero balance without any transactions"
		}
		return ""
	}
	if *acct.LastBalanceAfter != acct.Balance {
		return fmt.Sprintf("balance %d does not equal latest balance_after %d", acct.Balance, *acct.LastBalanceAfter)
	}
	return ""
}
