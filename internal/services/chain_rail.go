// internal/services/chain_rail.go
package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/digimarket-backend/internal/config"
	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/pkg/apperror"
)

var walletPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ChainRail waits for the marketplace contract to emit a purchase event
// naming the product, buyer and seller. It never reports failure; stale
// purchases are timed out by housekeeping.
type ChainRail struct {
	client   ChainClient
	accounts PayoutDirectory
	cfg      config.BlockchainConfig
	topic0   string
}

func NewChainRail(client ChainClient, accounts PayoutDirectory, cfg config.BlockchainConfig) *ChainRail {
	return &ChainRail{
		client:   client,
		accounts: accounts,
		cfg:      cfg,
		topic0:   EventTopic(cfg.EventSignature),
	}
}

func (r *ChainRail) Method() models.PaymentMethod {
	return models.PaymentMethodChain
}

func (r *ChainRail) Validate(ctx context.Context, product *models.Product, creds PaymentCredentials) error {
	if r.cfg.ContractAddress == "" {
		return apperror.Validation("on-chain payments are not enabled")
	}
	if !walletPattern.MatchString(creds.WalletAddress) {
		return apperror.Validation("a valid wallet address is required")
	}
	_, err := r.sellerWallet(ctx, product)
	return err
}

func (r *ChainRail) sellerWallet(ctx context.Context, product *models.Product) (string, error) {
	account, err := r.accounts.GetPayoutAccount(ctx, product.OwnerID)
	if err != nil {
		if apperror.Is(err, apperror.CodeNotFound) {
			return "", apperror.Validation("seller has not set up a wallet address")
		}
		return "", err
	}
	if !walletPattern.MatchString(account.WalletAddress) {
		return "", apperror.Validation("seller has not set up a wallet address")
	}
	return account.WalletAddress, nil
}

func (r *ChainRail) Start(ctx context.Context, tx *models.Transaction, creds PaymentCredentials) (*RailResult, error) {
	product := tx.Product
	if product == nil {
		product = &models.Product{}
		product.ID = tx.ProductID
		product.OwnerID = tx.SellerID
	}
	sellerWallet, err := r.sellerWallet(ctx, product)
	if err != nil {
		return nil, err
	}

	// A purchase can only be mined after it was started, so scanning begins
	// at the current head. An unreachable node falls back to the lookback
	// window on the first poll.
	fromBlock, err := r.client.LatestBlock(ctx)
	if err != nil {
		logrus.WithError(err).WithField("transaction_id", tx.ID).Warn("Failed to read chain head at purchase start")
		fromBlock = 0
	}

	return &RailResult{
		Reference: models.ChainReference{
			Network:         r.cfg.Network,
			ContractAddress: r.cfg.ContractAddress,
			BuyerAddress:    strings.ToLower(creds.WalletAddress),
			SellerAddress:   strings.ToLower(sellerWallet),
			FromBlock:       fromBlock,
		},
	}, nil
}

// Poll looks for the purchase event. A result without an Outcome carries the
// updated scan position.
func (r *ChainRail) Poll(ctx context.Context, tx *models.Transaction) (*RailResult, error) {
	decoded, err := tx.DecodeReference()
	if err != nil {
		return nil, err
	}
	ref, ok := decoded.(models.ChainReference)
	if !ok {
		return nil, fmt.Errorf("transaction %s has no chain reference", tx.ID)
	}

	latest, err := r.client.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	from := ref.FromBlock
	if latest > r.cfg.LookbackBlocks && latest-r.cfg.LookbackBlocks > from {
		from = latest - r.cfg.LookbackBlocks
	}
	if from > latest {
		from = latest
	}

	logs, err := r.client.QueryEvents(ctx, LogFilter{
		Address:   ref.ContractAddress,
		FromBlock: from,
		ToBlock:   latest,
		Topics: []string{
			r.topic0,
			UUIDTopic(tx.ProductID),
			AddressTopic(ref.BuyerAddress),
			AddressTopic(ref.SellerAddress),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase events: %w", err)
	}

	for _, l := range logs {
		if l.Removed {
			continue
		}
		ref.BlockNumber = l.BlockNumber
		ref.LastCheckedBlock = latest
		return &RailResult{
			Reference:       ref,
			Outcome:         models.TransactionStatusCompleted,
			TransactionHash: l.TransactionHash,
		}, nil
	}

	ref.LastCheckedBlock = latest
	return &RailResult{Reference: ref}, nil
}
