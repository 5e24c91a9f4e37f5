package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/digimarket-backend/internal/config"
	"github.com/javajoker/digimarket-backend/internal/models"
)

func TestNewFeeSchedule(t *testing.T) {
	assert.Equal(t, NoFees{}, NewFeeSchedule(config.PaymentConfig{}))

	fees := NewFeeSchedule(config.PaymentConfig{BuyerFeePercent: 2.5, SellerFeePercent: 10})
	buyer, seller := fees.Fees(&models.Product{Price: 99.99})
	assert.Equal(t, 2.5, buyer)
	assert.Equal(t, 10.0, seller)
}

func TestTotalIncludesFees(t *testing.T) {
	m := newMarket(t)
	m.ledger.fees = PercentageFees{BuyerPercent: 3, SellerPercent: 5}
	product := m.listedProduct(t, models.ProductTypeDataset, 200)

	tx, err := m.ledger.Initiate(context.Background(), m.buyer, &InitiateRequest{
		ProductID:          product.ID,
		PaymentMethod:      models.PaymentMethodCard,
		PaymentCredentials: PaymentCredentials{Card: testCard},
	})
	require.NoError(t, err)
	assert.Equal(t, 200.0, tx.Amount)
	assert.Equal(t, 6.0, tx.BuyerFee)
	assert.Equal(t, 10.0, tx.SellerFee)
	assert.Equal(t, 216.0, tx.TotalAmount)

	require.Len(t, m.gateway.requests, 1)
	assert.Equal(t, int64(21600), m.gateway.requests[0].AmountMinor)
}
