package web3

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrReceiptNotFound 表示节点尚未返回交易回执（交易可能仍在内存池中）。
var ErrReceiptNotFound = errors.New("交易回执不存在")

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Receipt 是交易回执中与用户相关的部分。
type Receipt struct {
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
	Status      uint64      `json:"status"`
	GasUsed     uint64      `json:"gas_used"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r Receipt) Succeeded() bool {
	return r.Status == 1
}

// ReceiptFetcher looks up a transaction receipt by hash.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
}

// Client defines the common interface that any chain implementation must
// provide so higher layers can interact with different networks uniformly.
type Client interface {
	ReceiptFetcher
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
