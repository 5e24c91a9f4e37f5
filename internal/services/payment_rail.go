// internal/services/payment_rail.go
package services

import (
	"context"
	"fmt"

	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/pkg/apperror"
)

// CardDetails are forwarded to the card gateway for tokenization and are
// never persisted.
type CardDetails struct {
	Number     string `json:"number" validate:"required,min=12,max=19"`
	ExpMonth   string `json:"exp_month" validate:"required,len=2"`
	ExpYear    string `json:"exp_year" validate:"required"`
	CVC        string `json:"cvc" validate:"required,min=3,max=4"`
	HolderName string `json:"holder_name,omitempty"`
}

// PaymentCredentials carry whatever a rail needs from the buyer.
type PaymentCredentials struct {
	Card          *CardDetails `json:"card,omitempty"`
	WalletAddress string       `json:"wallet_address,omitempty"`
}

// RailResult is what a rail learned while starting or polling a payment.
// An empty Outcome leaves the transaction pending.
type RailResult struct {
	Reference       models.PaymentReference
	Outcome         models.TransactionStatus
	TransactionHash string
	Reason          string
}

// PaymentRail starts a payment for a pending transaction. Rails report
// outcomes; only the ledger changes transaction status.
type PaymentRail interface {
	Method() models.PaymentMethod
	// Validate runs before the transaction row exists.
	Validate(ctx context.Context, product *models.Product, creds PaymentCredentials) error
	Start(ctx context.Context, tx *models.Transaction, creds PaymentCredentials) (*RailResult, error)
}

// RailPoller is implemented by rails whose confirmation arrives after Start
// returns and can be looked up.
type RailPoller interface {
	Poll(ctx context.Context, tx *models.Transaction) (*RailResult, error)
}

type RailRegistry struct {
	rails map[models.PaymentMethod]PaymentRail
}

func NewRailRegistry(rails ...PaymentRail) *RailRegistry {
	registry := &RailRegistry{rails: make(map[models.PaymentMethod]PaymentRail, len(rails))}
	for _, rail := range rails {
		registry.rails[rail.Method()] = rail
	}
	return registry
}

func (r *RailRegistry) Get(method models.PaymentMethod) (PaymentRail, error) {
	rail, ok := r.rails[method]
	if !ok {
		return nil, apperror.Validation(fmt.Sprintf("unsupported payment method %q", method))
	}
	return rail, nil
}

func (r *RailRegistry) Methods() []models.PaymentMethod {
	methods := make([]models.PaymentMethod, 0, len(r.rails))
	for method := range r.rails {
		methods = append(methods, method)
	}
	return methods
}
