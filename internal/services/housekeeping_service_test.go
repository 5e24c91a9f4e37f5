package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/digimarket-backend/internal/config"
	"github.com/javajoker/digimarket-backend/internal/models"
)

func newHousekeeping(m *market) *HousekeepingService {
	cfg := &config.Config{
		Housekeeping: config.HousekeepingConfig{Interval: time.Minute, Enabled: true},
		Blockchain:   config.BlockchainConfig{PendingTimeout: 24 * time.Hour},
		Payment:      config.PaymentConfig{CardPendingTimeout: 15 * time.Minute},
	}
	return NewHousekeepingService(m.ledger, cfg)
}

func startChainPurchase(t *testing.T, m *market, product *models.Product) *models.Transaction {
	t.Helper()
	tx, err := m.ledger.Initiate(context.Background(), m.buyer, &InitiateRequest{
		ProductID:          product.ID,
		PaymentMethod:      models.PaymentMethodChain,
		PaymentCredentials: PaymentCredentials{WalletAddress: testBuyerWallet},
	})
	require.NoError(t, err)
	require.Equal(t, models.TransactionStatusPending, tx.Status)
	return tx
}

func TestChainPurchaseCompletedByPoll(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	hk := newHousekeeping(m)
	product := m.listedProduct(t, models.ProductTypeDataset, 300)

	tx := startChainPurchase(t, m, product)
	decoded, err := tx.DecodeReference()
	require.NoError(t, err)
	ref := decoded.(models.ChainReference)
	assert.Equal(t, uint64(100), ref.FromBlock)
	assert.Equal(t, testContract, ref.ContractAddress)
	assert.Equal(t, "0xb0b0000000000000000000000000000000000002", ref.BuyerAddress)

	// Nothing mined yet.
	report, err := hk.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.ChainCompleted)

	pending, err := m.ledger.GetTransaction(ctx, tx.ID, m.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusPending, pending.Status)

	m.chain.mu.Lock()
	m.chain.latest = 120
	m.chain.logs = []ChainLog{
		{BlockNumber: 110, TransactionHash: "0xdead", Removed: true},
		{BlockNumber: 115, TransactionHash: "0xbeef"},
	}
	m.chain.mu.Unlock()

	report, err = hk.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ChainCompleted)

	done, err := m.ledger.GetTransaction(ctx, tx.ID, m.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, done.Status)
	require.NotNil(t, done.TransactionHash)
	assert.Equal(t, "0xbeef", *done.TransactionHash)

	decoded, err = done.DecodeReference()
	require.NoError(t, err)
	assert.Equal(t, uint64(115), decoded.(models.ChainReference).BlockNumber)

	last := m.chain.filters[len(m.chain.filters)-1]
	assert.Equal(t, uint64(100), last.FromBlock)
	assert.Equal(t, uint64(120), last.ToBlock)
	require.Len(t, last.Topics, 4)
	assert.Equal(t, UUIDTopic(product.ID), last.Topics[1])
	assert.Equal(t, AddressTopic(testBuyerWallet), last.Topics[2])
	assert.Equal(t, AddressTopic(testSellerWallet), last.Topics[3])

	// A second poll finds nothing left to do.
	report, err = hk.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.ChainCompleted)
	assert.Len(t, m.notificationsFor(t, m.buyer), 1)
}

func TestDoublePollCompletesOnce(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	product := m.listedProduct(t, models.ProductTypeDataset, 300)
	tx := startChainPurchase(t, m, product)

	m.chain.logs = []ChainLog{{BlockNumber: 101, TransactionHash: "0xbeef"}}

	first, err := m.ledger.Reconcile(ctx, tx)
	require.NoError(t, err)
	second, err := m.ledger.Reconcile(ctx, tx)
	require.NoError(t, err)

	assert.Equal(t, models.TransactionStatusCompleted, first.Status)
	assert.Equal(t, models.TransactionStatusCompleted, second.Status)
	assert.Len(t, m.notificationsFor(t, m.seller), 1)
}

func TestChainPurchaseTimesOut(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	hk := newHousekeeping(m)
	product := m.listedProduct(t, models.ProductTypeDataset, 300)
	tx := startChainPurchase(t, m, product)

	hk.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	report, err := hk.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ChainTimedOut)

	failed, err := m.ledger.GetTransaction(ctx, tx.ID, m.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, failed.Status)
	assert.Nil(t, failed.ActiveKey)
}

func TestHousekeepingExpiresTransfers(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	hk := newHousekeeping(m)
	product := m.listedProduct(t, models.ProductTypeDataset, 100)

	bankTx, err := m.ledger.Initiate(ctx, m.buyer, &InitiateRequest{ProductID: product.ID, PaymentMethod: models.PaymentMethodBankTransfer})
	require.NoError(t, err)

	// Nothing is stale yet.
	report, err := hk.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.ExpiredTransfers)

	later := time.Now().Add(2 * time.Hour)
	m.ledger.now = func() time.Time { return later }
	hk.now = func() time.Time { return later }

	report, err = hk.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredTransfers)

	var tx models.Transaction
	require.NoError(t, m.db.First(&tx, "id = ?", bankTx.ID).Error)
	assert.Equal(t, models.TransactionStatusFailed, tx.Status)
	assert.Nil(t, tx.ActiveKey)
}

func TestPendingCardChargeSettledByPoll(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	hk := newHousekeeping(m)
	product := m.listedProduct(t, models.ProductTypeDataset, 100)

	m.gateway.status = "pending"
	cardTx, err := m.ledger.Initiate(ctx, m.buyer, &InitiateRequest{
		ProductID:          product.ID,
		PaymentMethod:      models.PaymentMethodCard,
		PaymentCredentials: PaymentCredentials{Card: testCard},
	})
	require.NoError(t, err)
	require.Equal(t, models.TransactionStatusPending, cardTx.Status)
	assert.Equal(t, "ch_1", ChargeIDOf(cardTx))

	// Long past the timeout, a charge the gateway still reports as pending
	// is left alone.
	later := time.Now().Add(2 * time.Hour)
	m.ledger.now = func() time.Time { return later }
	hk.now = func() time.Time { return later }

	report, err := hk.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.CardTimedOut)
	assert.Zero(t, report.CardSettled)
	assert.Equal(t, []string{"ch_1"}, m.gateway.retrieved)

	m.gateway.retrieveErr = errors.New("gateway unreachable")
	report, err = hk.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Zero(t, report.CardTimedOut)

	m.gateway.retrieveErr = nil
	m.gateway.settledStatus = "succeeded"
	report, err = hk.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CardSettled)

	var tx models.Transaction
	require.NoError(t, m.db.First(&tx, "id = ?", cardTx.ID).Error)
	assert.Equal(t, models.TransactionStatusCompleted, tx.Status)

	ok, err := m.entitlements.HasAccess(ctx, m.buyer, product.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPendingCardChargeFailedByPoll(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	hk := newHousekeeping(m)
	product := m.listedProduct(t, models.ProductTypeDataset, 100)

	m.gateway.status = "pending"
	cardTx, err := m.ledger.Initiate(ctx, m.buyer, &InitiateRequest{
		ProductID:          product.ID,
		PaymentMethod:      models.PaymentMethodCard,
		PaymentCredentials: PaymentCredentials{Card: testCard},
	})
	require.NoError(t, err)

	m.gateway.settledStatus = "failed"
	report, err := hk.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CardSettled)

	var tx models.Transaction
	require.NoError(t, m.db.First(&tx, "id = ?", cardTx.ID).Error)
	assert.Equal(t, models.TransactionStatusFailed, tx.Status)
	assert.Equal(t, "The charge expired before it was captured.", tx.FailureReason)
	assert.Nil(t, tx.ActiveKey)
}

func TestUnchargedCardPurchaseTimesOut(t *testing.T) {
	m := newMarket(t)
	ctx := context.Background()
	hk := newHousekeeping(m)
	product := m.listedProduct(t, models.ProductTypeDataset, 100)

	// A row inserted by Initiate whose charge was never sent.
	activeKey := models.ActiveKeyFor(m.buyer, product.ID)
	orphan := &models.Transaction{
		BuyerID:       m.buyer,
		SellerID:      m.seller,
		ProductID:     product.ID,
		Amount:        100,
		TotalAmount:   100,
		Currency:      "thb",
		Status:        models.TransactionStatusPending,
		PaymentMethod: models.PaymentMethodCard,
		ActiveKey:     &activeKey,
	}
	require.NoError(t, m.db.Create(orphan).Error)

	report, err := hk.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.CardTimedOut)

	later := time.Now().Add(20 * time.Minute)
	m.ledger.now = func() time.Time { return later }
	hk.now = func() time.Time { return later }

	report, err = hk.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CardTimedOut)
	assert.Empty(t, m.gateway.retrieved)

	var tx models.Transaction
	require.NoError(t, m.db.First(&tx, "id = ?", orphan.ID).Error)
	assert.Equal(t, models.TransactionStatusFailed, tx.Status)
	assert.Nil(t, tx.ActiveKey)
}

func TestHousekeepingStartStopsWithContext(t *testing.T) {
	m := newMarket(t)
	hk := newHousekeeping(m)
	hk.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hk.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("housekeeping did not stop")
	}
}
