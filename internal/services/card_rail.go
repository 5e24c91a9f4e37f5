// internal/services/card_rail.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"

	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/internal/utils"
	"github.com/javajoker/digimarket-backend/pkg/apperror"
)

type ChargeRequest struct {
	Token          string
	AmountMinor    int64
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

type ChargeResult struct {
	ID             string
	Status         string
	FailureCode    string
	FailureMessage string
	Raw            json.RawMessage
}

// GatewayError is a rejection reported by the card gateway itself, as
// opposed to a transport failure.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// CardGateway tokenizes card details, charges the token and looks a
// charge up again while it settles.
type CardGateway interface {
	Tokenize(ctx context.Context, card CardDetails) (string, error)
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Retrieve(ctx context.Context, chargeID string) (*ChargeResult, error)
}

// StripeGateway charges cards through the Stripe API.
type StripeGateway struct {
	api *client.API
}

func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api}
}

func (g *StripeGateway) Tokenize(ctx context.Context, card CardDetails) (string, error) {
	params := &stripe.TokenParams{
		Card: &stripe.CardParams{
			Number:   stripe.String(card.Number),
			ExpMonth: stripe.String(card.ExpMonth),
			ExpYear:  stripe.String(card.ExpYear),
			CVC:      stripe.String(card.CVC),
		},
	}
	if card.HolderName != "" {
		params.Card.Name = stripe.String(card.HolderName)
	}
	params.Context = ctx

	tok, err := g.api.Tokens.New(params)
	if err != nil {
		return "", translateStripeError(err)
	}
	return tok.ID, nil
}

func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	params := &stripe.ChargeParams{
		Amount:      stripe.Int64(req.AmountMinor),
		Currency:    stripe.String(req.Currency),
		Description: stripe.String(req.Description),
	}
	if err := params.SetSource(req.Token); err != nil {
		return nil, fmt.Errorf("invalid card token: %w", err)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	ch, err := g.api.Charges.New(params)
	if err != nil {
		return nil, translateStripeError(err)
	}
	return chargeResult(ch)
}

func (g *StripeGateway) Retrieve(ctx context.Context, chargeID string) (*ChargeResult, error) {
	params := &stripe.ChargeParams{}
	params.Context = ctx

	ch, err := g.api.Charges.Get(chargeID, params)
	if err != nil {
		return nil, translateStripeError(err)
	}
	return chargeResult(ch)
}

func chargeResult(ch *stripe.Charge) (*ChargeResult, error) {
	raw, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode charge %s: %w", ch.ID, err)
	}
	return &ChargeResult{
		ID:             ch.ID,
		Status:         string(ch.Status),
		FailureCode:    ch.FailureCode,
		FailureMessage: ch.FailureMessage,
		Raw:            raw,
	}, nil
}

func translateStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return &GatewayError{Code: string(stripeErr.Code), Message: stripeErr.Msg}
	}
	return err
}

// CardRail charges the buyer synchronously; the gateway's answer decides
// the outcome unless it reports the charge as still pending.
type CardRail struct {
	gateway  CardGateway
	currency string
}

func NewCardRail(gateway CardGateway, currency string) *CardRail {
	return &CardRail{gateway: gateway, currency: strings.ToLower(currency)}
}

func (r *CardRail) Method() models.PaymentMethod {
	return models.PaymentMethodCard
}

func (r *CardRail) Validate(ctx context.Context, product *models.Product, creds PaymentCredentials) error {
	if creds.Card == nil {
		return apperror.Validation("card details are required")
	}
	if err := utils.ValidateStruct(creds.Card); err != nil {
		return apperror.Validation(err.Error())
	}
	return nil
}

func (r *CardRail) Start(ctx context.Context, tx *models.Transaction, creds PaymentCredentials) (*RailResult, error) {
	token, err := r.gateway.Tokenize(ctx, *creds.Card)
	if err != nil {
		return r.rejected(tx, err)
	}

	currency := r.currency
	if tx.Currency != "" {
		currency = strings.ToLower(tx.Currency)
	}

	charge, err := r.gateway.Charge(ctx, ChargeRequest{
		Token:          token,
		AmountMinor:    toMinorUnits(tx.TotalAmount),
		Currency:       currency,
		Description:    fmt.Sprintf("Purchase of product %s", tx.ProductID),
		IdempotencyKey: tx.ID.String(),
		Metadata: map[string]string{
			"transaction_id": tx.ID.String(),
			"product_id":     tx.ProductID.String(),
			"buyer_id":       tx.BuyerID.String(),
		},
	})
	if err != nil {
		return r.rejected(tx, err)
	}
	return settle(charge), nil
}

// Poll asks the gateway again about a charge it reported as pending.
// Transactions without a created charge have nothing to ask about.
func (r *CardRail) Poll(ctx context.Context, tx *models.Transaction) (*RailResult, error) {
	chargeID := ChargeIDOf(tx)
	if chargeID == "" {
		return nil, nil
	}

	charge, err := r.gateway.Retrieve(ctx, chargeID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve charge %s: %w", chargeID, err)
	}
	return settle(charge), nil
}

// ChargeIDOf returns the gateway charge recorded on a card transaction.
func ChargeIDOf(tx *models.Transaction) string {
	decoded, err := tx.DecodeReference()
	if err != nil {
		return ""
	}
	ref, ok := decoded.(models.CardReference)
	if !ok {
		return ""
	}
	return ref.ChargeID
}

// settle maps the gateway's charge status onto a rail outcome.
func settle(charge *ChargeResult) *RailResult {
	ref := models.CardReference{
		ChargeID:    charge.ID,
		Status:      charge.Status,
		FailureCode: charge.FailureCode,
		Message:     charge.FailureMessage,
		Charge:      charge.Raw,
	}

	switch charge.Status {
	case "succeeded":
		return &RailResult{Reference: ref, Outcome: models.TransactionStatusCompleted, TransactionHash: charge.ID}
	case "pending":
		return &RailResult{Reference: ref, TransactionHash: charge.ID}
	default:
		reason := charge.FailureMessage
		if reason == "" {
			reason = "charge " + charge.Status
		}
		return &RailResult{Reference: ref, Outcome: models.TransactionStatusFailed, TransactionHash: charge.ID, Reason: reason}
	}
}

// rejected turns any gateway failure into a failed outcome. The charge is
// never retried.
func (r *CardRail) rejected(tx *models.Transaction, err error) (*RailResult, error) {
	ref := models.CardReference{Status: "failed", Message: err.Error()}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		ref.FailureCode = gwErr.Code
		ref.Message = gwErr.Message
	}

	logrus.WithFields(logrus.Fields{
		"transaction_id": tx.ID,
		"code":           ref.FailureCode,
	}).WithError(err).Info("Card payment declined")

	return &RailResult{
		Reference: ref,
		Outcome:   models.TransactionStatusFailed,
		Reason:    ref.Message,
	}, nil
}

func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
