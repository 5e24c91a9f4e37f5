package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/javajoker/digimarket-backend/internal/config"
	"github.com/javajoker/digimarket-backend/internal/database"
	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/internal/utils"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.Initialize(config.DatabaseConfig{
		Driver:       "sqlite",
		Database:     fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
		LogLevel:     "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	require.NoError(t, database.RunMigrations(db))
	return db
}

// memStore is an in-memory ObjectStore. failPuts makes the next N Put calls
// fail.
type memStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	meta     map[string]map[string]string
	puts     int
	failPuts int
	deleted  []string
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (m *memStore) Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.failPuts > 0 {
		m.failPuts--
		return errors.New("store offline")
	}
	m.objects[key] = append([]byte(nil), body...)
	m.meta[key] = metadata
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memStore) PublicURL(key string) string {
	return "https://cdn.test/" + key
}

func (m *memStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://signed.test/" + key + "?ttl=" + ttl.String(), nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// fakeGateway answers charges with status; Retrieve answers with
// settledStatus, which defaults to pending.
type fakeGateway struct {
	mu            sync.Mutex
	tokenizeErr   error
	chargeErr     error
	status        string
	requests      []ChargeRequest
	settledStatus string
	retrieveErr   error
	retrieved     []string
}

func (g *fakeGateway) Tokenize(ctx context.Context, card CardDetails) (string, error) {
	if g.tokenizeErr != nil {
		return "", g.tokenizeErr
	}
	return "tok_" + card.Number[len(card.Number)-4:], nil
}

func (g *fakeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	status := g.status
	if status == "" {
		status = "succeeded"
	}
	return &ChargeResult{
		ID:     fmt.Sprintf("ch_%d", len(g.requests)),
		Status: status,
		Raw:    []byte(`{"object":"charge"}`),
	}, nil
}

func (g *fakeGateway) Retrieve(ctx context.Context, chargeID string) (*ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retrieved = append(g.retrieved, chargeID)
	if g.retrieveErr != nil {
		return nil, g.retrieveErr
	}
	status := g.settledStatus
	if status == "" {
		status = "pending"
	}
	result := &ChargeResult{ID: chargeID, Status: status, Raw: []byte(`{"object":"charge"}`)}
	if status == "failed" {
		result.FailureCode = "expired_for_capture"
		result.FailureMessage = "The charge expired before it was captured."
	}
	return result, nil
}

type fakeChain struct {
	mu      sync.Mutex
	latest  uint64
	logs    []ChainLog
	filters []LogFilter
}

func (c *fakeChain) LatestBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, nil
}

func (c *fakeChain) QueryEvents(ctx context.Context, filter LogFilter) ([]ChainLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, filter)
	return c.logs, nil
}

const (
	testContract     = "0x00000000000000000000000000000000000000c0"
	testSellerWallet = "0x5e11e50000000000000000000000000000000001"
	testBuyerWallet  = "0xB0B0000000000000000000000000000000000002"
)

var testCard = &CardDetails{Number: "4242424242424242", ExpMonth: "12", ExpYear: "2030", CVC: "123"}

type market struct {
	db            *gorm.DB
	store         *memStore
	gateway       *fakeGateway
	chain         *fakeChain
	catalog       *CatalogService
	ingestion     *IngestionService
	accounts      *AccountService
	notifications *NotificationService
	entitlements  *EntitlementService
	delivery      *DeliveryService
	ledger        *LedgerService
	seller        uuid.UUID
	buyer         uuid.UUID
}

func newMarket(t *testing.T) *market {
	t.Helper()

	db := openTestDB(t)
	m := &market{
		db:      db,
		store:   newMemStore(),
		gateway: &fakeGateway{},
		chain:   &fakeChain{latest: 100},
		seller:  uuid.New(),
		buyer:   uuid.New(),
	}

	m.ingestion = NewIngestionService(db, m.store, 500<<20)
	m.catalog = NewCatalogService(db, m.ingestion)
	m.accounts = NewAccountService(db)
	m.notifications = NewNotificationService(db, 100)
	m.entitlements = NewEntitlementService(db, time.Minute)
	m.delivery = NewDeliveryService(db, m.store, m.entitlements, m.ingestion, 15*time.Minute)

	chainCfg := config.BlockchainConfig{
		Network:         "testnet",
		ContractAddress: testContract,
		EventSignature:  "PurchaseCompleted(bytes32,address,address,uint256)",
		LookbackBlocks:  5000,
		PendingTimeout:  24 * time.Hour,
	}
	rails := NewRailRegistry(
		NewCardRail(m.gateway, "thb"),
		NewBankTransferRail(m.accounts, config.BankTransferConfig{QRTTL: time.Hour, QRSize: 128}),
		NewChainRail(m.chain, m.accounts, chainCfg),
	)
	m.ledger = NewLedgerService(db, m.catalog, rails, NoFees{}, m.notifications, m.entitlements, "thb")

	_, err := m.accounts.UpdatePayoutAccount(context.Background(), m.seller, &UpdatePayoutAccountRequest{
		PromptPayID:   "081-234-5678",
		WalletAddress: testSellerWallet,
	})
	require.NoError(t, err)
	return m
}

// listedProduct inserts an available product owned by the market's seller.
func (m *market) listedProduct(t *testing.T, productType models.ProductType, price float64) *models.Product {
	t.Helper()

	product := &models.Product{
		OwnerID:       m.seller,
		Title:         "Thai street food dataset",
		Description:   "Ten thousand labelled photos",
		Category:      "food",
		Price:         price,
		ProductType:   productType,
		Status:        models.ProductStatusAvailable,
		ContentStatus: models.ContentStatusReady,
	}
	if productType == models.ProductTypeSubscription {
		product.SubscriptionDays = 30
	}
	require.NoError(t, m.db.Create(product).Error)
	return product
}

func (m *market) notificationsFor(t *testing.T, userID uuid.UUID) []models.Notification {
	t.Helper()
	var out []models.Notification
	require.NoError(t, m.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&out).Error)
	return out
}

func paginationFor(page, limit int) utils.PaginationParams {
	return utils.PaginationParams{Page: page, Limit: limit, Sort: "created_at", Order: "desc"}
}
