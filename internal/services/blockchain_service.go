// internal/services/blockchain_service.go
package services

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// LogFilter selects contract events in an inclusive block range. Topics are
// positional; an empty string matches anything.
type LogFilter struct {
	Address   string
	FromBlock uint64
	ToBlock   uint64
	Topics    []string
}

type ChainLog struct {
	Address         string
	Topics          []string
	Data            string
	BlockNumber     uint64
	TransactionHash string
	LogIndex        uint64
	Removed         bool
}

// ChainClient is the read-only view of the chain the ledger needs.
type ChainClient interface {
	LatestBlock(ctx context.Context) (uint64, error)
	QueryEvents(ctx context.Context, filter LogFilter) ([]ChainLog, error)
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonRPCError   `json:"error"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCChainClient talks to an EVM node over JSON-RPC.
type RPCChainClient struct {
	rpcURL string
	client *http.Client
}

func NewRPCChainClient(rpcURL string) *RPCChainClient {
	return &RPCChainClient{
		rpcURL: rpcURL,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *RPCChainClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	if c.rpcURL == "" {
		return fmt.Errorf("chain RPC URL not configured")
	}

	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read rpc response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s returned HTTP %d", method, resp.StatusCode)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("unmarshal rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *RPCChainClient) LatestBlock(ctx context.Context) (uint64, error) {
	var result string
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &result); err != nil {
		return 0, err
	}
	return parseHexUint64(result)
}

func (c *RPCChainClient) QueryEvents(ctx context.Context, filter LogFilter) ([]ChainLog, error) {
	topics := make([]interface{}, len(filter.Topics))
	for i, topic := range filter.Topics {
		if topic == "" {
			topics[i] = nil
			continue
		}
		topics[i] = topic
	}

	params := map[string]interface{}{
		"fromBlock": "0x" + strconv.FormatUint(filter.FromBlock, 16),
		"toBlock":   "0x" + strconv.FormatUint(filter.ToBlock, 16),
		"topics":    topics,
	}
	if filter.Address != "" {
		params["address"] = filter.Address
	}

	var raw []struct {
		Address         string   `json:"address"`
		Topics          []string `json:"topics"`
		Data            string   `json:"data"`
		BlockNumber     string   `json:"blockNumber"`
		TransactionHash string   `json:"transactionHash"`
		LogIndex        string   `json:"logIndex"`
		Removed         bool     `json:"removed"`
	}
	if err := c.call(ctx, "eth_getLogs", []interface{}{params}, &raw); err != nil {
		return nil, err
	}

	logs := make([]ChainLog, 0, len(raw))
	for _, l := range raw {
		block, err := parseHexUint64(l.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("invalid log block number %q: %w", l.BlockNumber, err)
		}
		index, _ := parseHexUint64(l.LogIndex)
		logs = append(logs, ChainLog{
			Address:         l.Address,
			Topics:          l.Topics,
			Data:            l.Data,
			BlockNumber:     block,
			TransactionHash: l.TransactionHash,
			LogIndex:        index,
			Removed:         l.Removed,
		})
	}
	return logs, nil
}

func parseHexUint64(hexStr string) (uint64, error) {
	hexStr = strings.TrimPrefix(hexStr, "0x")
	hexStr = strings.TrimPrefix(hexStr, "0X")
	if hexStr == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	return strconv.ParseUint(hexStr, 16, 64)
}

// EventTopic is topic0 of an event: keccak256 of its canonical signature.
func EventTopic(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// AddressTopic left-pads an address to a 32 byte indexed topic.
func AddressTopic(address string) string {
	addr := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X"))
	return "0x" + strings.Repeat("0", 64-len(addr)) + addr
}

// UUIDTopic encodes an id as the bytes32 the contract emits.
func UUIDTopic(id uuid.UUID) string {
	return "0x" + strings.Repeat("0", 32) + hex.EncodeToString(id[:])
}
