// internal/services/fees.go
package services

import (
	"math"

	"github.com/javajoker/digimarket-backend/internal/config"
	"github.com/javajoker/digimarket-backend/internal/models"
)

// FeeSchedule prices the platform's cut of a purchase.
type FeeSchedule interface {
	Fees(product *models.Product) (buyerFee, sellerFee float64)
}

type NoFees struct{}

func (NoFees) Fees(*models.Product) (float64, float64) { return 0, 0 }

// PercentageFees charges a percent of the product price on each side.
type PercentageFees struct {
	BuyerPercent  float64
	SellerPercent float64
}

func (f PercentageFees) Fees(product *models.Product) (float64, float64) {
	return roundCents(product.Price * f.BuyerPercent / 100), roundCents(product.Price * f.SellerPercent / 100)
}

func NewFeeSchedule(cfg config.PaymentConfig) FeeSchedule {
	if cfg.BuyerFeePercent <= 0 && cfg.SellerFeePercent <= 0 {
		return NoFees{}
	}
	return PercentageFees{BuyerPercent: cfg.BuyerFeePercent, SellerPercent: cfg.SellerFeePercent}
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
