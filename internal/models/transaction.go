// internal/models/transaction.go
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Transaction struct {
	Record
	BuyerID         uuid.UUID         `json:"buyer_id" gorm:"type:uuid;not null;index"`
	SellerID        uuid.UUID         `json:"seller_id" gorm:"type:uuid;not null;index"`
	ProductID       uuid.UUID         `json:"product_id" gorm:"type:uuid;not null;index"`
	Amount          float64           `json:"amount" gorm:"type:decimal(12,2);not null"`
	BuyerFee        float64           `json:"buyer_fee" gorm:"type:decimal(12,2);not null;default:0"`
	SellerFee       float64           `json:"seller_fee" gorm:"type:decimal(12,2);not null;default:0"`
	TotalAmount     float64           `json:"total_amount" gorm:"type:decimal(12,2);not null"`
	Currency        string            `json:"currency" gorm:"size:3;not null"`
	Status          TransactionStatus `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	PaymentMethod   PaymentMethod     `json:"payment_method" gorm:"type:varchar(20);not null;index"`
	TransactionHash *string           `json:"transaction_hash,omitempty" gorm:"size:255"`
	Reference       datatypes.JSON    `json:"reference,omitempty"`
	ActiveKey       *string           `json:"-" gorm:"size:80;uniqueIndex"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	FinalizedAt     *time.Time        `json:"finalized_at,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty" gorm:"type:text"`

	// Relationships
	Product *Product `json:"product,omitempty" gorm:"foreignKey:ProductID"`
}

// ActiveKeyFor is the value that occupies the single active-purchase slot
// of a (buyer, product) pair.
func ActiveKeyFor(buyerID, productID uuid.UUID) string {
	return buyerID.String() + ":" + productID.String()
}

// PaymentReference is the rail-specific payload stored on a transaction.
// Its JSON shape depends on the payment method.
type PaymentReference interface {
	Method() PaymentMethod
}

// CardReference keeps the gateway's view of the charge.
type CardReference struct {
	ChargeID    string          `json:"chargeId,omitempty"`
	Status      string          `json:"status"`
	FailureCode string          `json:"failureCode,omitempty"`
	Message     string          `json:"message,omitempty"`
	Charge      json.RawMessage `json:"charge,omitempty"`
}

func (CardReference) Method() PaymentMethod { return PaymentMethodCard }

type BankTransferReference struct {
	QRCode           string    `json:"qrCode"`
	QRImage          string    `json:"qrImage,omitempty"`
	ReceivingAccount string    `json:"receivingAccount,omitempty"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

func (BankTransferReference) Method() PaymentMethod { return PaymentMethodBankTransfer }

func (r BankTransferReference) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

type ChainReference struct {
	Network          string `json:"network,omitempty"`
	ContractAddress  string `json:"contractAddress"`
	BuyerAddress     string `json:"buyerAddress"`
	SellerAddress    string `json:"sellerAddress"`
	FromBlock        uint64 `json:"fromBlock"`
	LastCheckedBlock uint64 `json:"lastCheckedBlock,omitempty"`
	BlockNumber      uint64 `json:"blockNumber,omitempty"`
}

func (ChainReference) Method() PaymentMethod { return PaymentMethodChain }

var ErrNoReference = errors.New("transaction has no payment reference")

// SetReference encodes ref into the Reference column. The reference must
// belong to the transaction's payment method.
func (t *Transaction) SetReference(ref PaymentReference) error {
	if ref == nil {
		return nil
	}
	if ref.Method() != t.PaymentMethod {
		return fmt.Errorf("reference for %s cannot be stored on a %s transaction", ref.Method(), t.PaymentMethod)
	}

	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to encode payment reference: %w", err)
	}
	t.Reference = datatypes.JSON(data)
	return nil
}

// DecodeReference parses the Reference column according to PaymentMethod.
func (t *Transaction) DecodeReference() (PaymentReference, error) {
	if len(t.Reference) == 0 || string(t.Reference) == "null" {
		return nil, ErrNoReference
	}

	switch t.PaymentMethod {
	case PaymentMethodCard:
		var ref CardReference
		if err := json.Unmarshal(t.Reference, &ref); err != nil {
			return nil, fmt.Errorf("invalid card reference: %w", err)
		}
		return ref, nil
	case PaymentMethodBankTransfer:
		var ref BankTransferReference
		if err := json.Unmarshal(t.Reference, &ref); err != nil {
			return nil, fmt.Errorf("invalid bank transfer reference: %w", err)
		}
		return ref, nil
	case PaymentMethodChain:
		var ref ChainReference
		if err := json.Unmarshal(t.Reference, &ref); err != nil {
			return nil, fmt.Errorf("invalid chain reference: %w", err)
		}
		return ref, nil
	default:
		return nil, fmt.Errorf("unknown payment method %q", t.PaymentMethod)
	}
}
