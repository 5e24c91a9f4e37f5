// internal/services/housekeeping_service.go
package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/digimarket-backend/internal/config"
	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/pkg/apperror"
)

// SweepReport counts what one housekeeping pass changed.
type SweepReport struct {
	ExpiredTransfers int `json:"expired_transfers"`
	ChainCompleted   int `json:"chain_completed"`
	ChainTimedOut    int `json:"chain_timed_out"`
	CardSettled      int `json:"card_settled"`
	CardTimedOut     int `json:"card_timed_out"`
	Errors           int `json:"errors"`
}

// HousekeepingService resolves pending transactions nobody will confirm.
type HousekeepingService struct {
	ledger             *LedgerService
	interval           time.Duration
	chainTimeout       time.Duration
	cardPendingTimeout time.Duration
	now                func() time.Time
}

func NewHousekeepingService(ledger *LedgerService, cfg *config.Config) *HousekeepingService {
	interval := cfg.Housekeeping.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &HousekeepingService{
		ledger:             ledger,
		interval:           interval,
		chainTimeout:       cfg.Blockchain.PendingTimeout,
		cardPendingTimeout: cfg.Payment.CardPendingTimeout,
		now:                time.Now,
	}
}

func (s *HousekeepingService) RunOnce(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}

	if err := s.expireTransfers(ctx, report); err != nil {
		return report, err
	}
	if err := s.pollChain(ctx, report); err != nil {
		return report, err
	}
	if err := s.settleCards(ctx, report); err != nil {
		return report, err
	}

	if report.ExpiredTransfers+report.ChainCompleted+report.ChainTimedOut+report.CardSettled+report.CardTimedOut+report.Errors > 0 {
		logrus.WithFields(logrus.Fields{
			"expired_transfers": report.ExpiredTransfers,
			"chain_completed":   report.ChainCompleted,
			"chain_timed_out":   report.ChainTimedOut,
			"card_settled":      report.CardSettled,
			"card_timed_out":    report.CardTimedOut,
			"errors":            report.Errors,
		}).Info("Housekeeping pass finished")
	}
	return report, nil
}

func (s *HousekeepingService) expireTransfers(ctx context.Context, report *SweepReport) error {
	pending, err := s.ledger.PendingTransactions(ctx, models.PaymentMethodBankTransfer, time.Time{})
	if err != nil {
		return err
	}
	for i := range pending {
		expired, err := s.ledger.ExpireStaleTransfer(ctx, &pending[i])
		if err != nil {
			report.Errors++
			logrus.WithError(err).WithField("transaction_id", pending[i].ID).Warn("Failed to expire bank transfer")
			continue
		}
		if expired {
			report.ExpiredTransfers++
		}
	}
	return nil
}

func (s *HousekeepingService) pollChain(ctx context.Context, report *SweepReport) error {
	pending, err := s.ledger.PendingTransactions(ctx, models.PaymentMethodChain, time.Time{})
	if err != nil {
		return err
	}

	now := s.now().UTC()
	for i := range pending {
		tx := &pending[i]
		updated, err := s.ledger.Reconcile(ctx, tx)
		if err != nil {
			report.Errors++
			logrus.WithError(err).WithField("transaction_id", tx.ID).Warn("Failed to poll chain payment")
		} else if updated.Status == models.TransactionStatusCompleted {
			report.ChainCompleted++
			continue
		}

		if s.chainTimeout > 0 && now.Sub(tx.CreatedAt) > s.chainTimeout {
			if s.fail(ctx, tx, "no on-chain payment observed before timeout") {
				report.ChainTimedOut++
			}
		}
	}
	return nil
}

// settleCards asks the gateway about charges it left pending. Purchases
// whose charge was never created, because the process died between the
// insert and the charge, are failed once they are older than the timeout.
func (s *HousekeepingService) settleCards(ctx context.Context, report *SweepReport) error {
	pending, err := s.ledger.PendingTransactions(ctx, models.PaymentMethodCard, time.Time{})
	if err != nil {
		return err
	}

	cutoff := s.now().Add(-s.cardPendingTimeout)
	for i := range pending {
		tx := &pending[i]
		if ChargeIDOf(tx) != "" {
			updated, err := s.ledger.Reconcile(ctx, tx)
			if err != nil {
				report.Errors++
				logrus.WithError(err).WithField("transaction_id", tx.ID).Warn("Failed to poll card charge")
				continue
			}
			if updated.Status.Terminal() {
				report.CardSettled++
			}
			continue
		}

		if s.cardPendingTimeout > 0 && tx.CreatedAt.Before(cutoff) {
			if s.fail(ctx, tx, "card payment was never charged") {
				report.CardTimedOut++
			}
		}
	}
	return nil
}

func (s *HousekeepingService) fail(ctx context.Context, tx *models.Transaction, reason string) bool {
	_, err := s.ledger.Finalize(ctx, tx.ID, models.TransactionStatusFailed, FinalizeProof{Source: "housekeeping", Reason: reason})
	if err != nil {
		if !apperror.Is(err, apperror.CodeInvalidTransition) {
			logrus.WithError(err).WithField("transaction_id", tx.ID).Warn("Failed to time out transaction")
		}
		return false
	}
	return true
}

// Start runs RunOnce every interval until ctx is cancelled.
func (s *HousekeepingService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logrus.WithField("interval", s.interval).Info("Housekeeping started")
	for {
		select {
		case <-ctx.Done():
			logrus.Info("Housekeeping stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("Housekeeping pass failed")
			}
		}
	}
}
