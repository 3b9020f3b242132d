package web3

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	hashKeys   = []string{"tx_hash", "txHash", "transactionHash", "transaction_hash", "hash"}
	blockKeys  = []string{"blockNumber", "block_number", "block"}
	nestedKeys = []string{"receipt", "transaction", "tx", "result", "data"}
)

// TxReference is a transaction hash found in a tool output.
type TxReference struct {
	Hash        common.Hash `json:"tx_hash"`
	BlockNumber *uint64     `json:"block_number,omitempty"`
}

// HasBlock reports whether the output already carried the inclusion block.
func (r TxReference) HasBlock() bool {
	return r.BlockNumber != nil
}

// Message renders the user-facing line for a tx_message event.
func (r TxReference) Message(explorer string) string {
	var b strings.Builder
	if r.BlockNumber != nil {
		fmt.Fprintf(&b, "Transaction %s confirmed in block %d", r.Hash.Hex(), *r.BlockNumber)
	} else {
		fmt.Fprintf(&b, "Transaction %s submitted", r.Hash.Hex())
	}
	if explorer = strings.TrimRight(strings.TrimSpace(explorer), "/"); explorer != "" {
		fmt.Fprintf(&b, ": %s/tx/%s", explorer, r.Hash.Hex())
	}
	return b.String()
}

// ExtractTxReference looks for a 32-byte transaction hash in a tool output.
// Maps are searched at the top level and one level down under the usual
// envelope keys; strings are accepted either as a bare hash or as JSON.
func ExtractTxReference(output any) (TxReference, bool) {
	fields, ok := asMap(output)
	if !ok {
		if s, isString := output.(string); isString {
			if hash, valid := parseHash(s); valid {
				return TxReference{Hash: hash}, true
			}
		}
		return TxReference{}, false
	}
	if ref, found := fromFields(fields); found {
		return ref, true
	}
	for _, key := range nestedKeys {
		nested, ok := asMap(fields[key])
		if !ok {
			continue
		}
		if ref, found := fromFields(nested); found {
			if ref.BlockNumber == nil {
				ref.BlockNumber = blockFrom(fields)
			}
			return ref, true
		}
	}
	return TxReference{}, false
}

func fromFields(fields map[string]any) (TxReference, bool) {
	for _, key := range hashKeys {
		raw, ok := fields[key].(string)
		if !ok {
			continue
		}
		if hash, valid := parseHash(raw); valid {
			return TxReference{Hash: hash, BlockNumber: blockFrom(fields)}, true
		}
	}
	return TxReference{}, false
}

func blockFrom(fields map[string]any) *uint64 {
	for _, key := range blockKeys {
		if n, ok := parseBlock(fields[key]); ok {
			return &n
		}
	}
	return nil
}

func parseHash(raw string) (common.Hash, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		return common.Hash{}, false
	}
	decoded, err := hexutil.Decode(raw)
	if err != nil || len(decoded) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(decoded), true
}

func parseBlock(v any) (uint64, bool) {
	switch t := v.(type) {
	case float64:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case int:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case int64:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case uint64:
		return t, true
	case json.Number:
		n, err := strconv.ParseUint(t.String(), 10, 64)
		return n, err == nil
	case string:
		t = strings.TrimSpace(t)
		if strings.HasPrefix(t, "0x") {
			n, err := hexutil.DecodeBig(t)
			if err != nil || !n.IsUint64() {
				return 0, false
			}
			return n.Uint64(), true
		}
		n, ok := new(big.Int).SetString(t, 10)
		if !ok || !n.IsUint64() {
			return 0, false
		}
		return n.Uint64(), true
	}
	return 0, false
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return t, true
	case string:
		trimmed := strings.TrimSpace(t)
		if !strings.HasPrefix(trimmed, "{") {
			return nil, false
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
			return nil, false
		}
		return out, true
	case []byte:
		return asMap(string(t))
	default:
		payload, err := json.Marshal(t)
		if err != nil {
			return nil, false
		}
		var out map[string]any
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, false
		}
		return out, true
	}
}
