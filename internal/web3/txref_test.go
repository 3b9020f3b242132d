package web3

import (
	"strings"
	"testing"
)

const sampleHash = "0xabababababababababababababababababababababababababababababababab"

func TestExtractTxReference(t *testing.T) {
	cases := []struct {
		name      string
		output    any
		wantFound bool
		wantBlock uint64
	}{
		{"snake case with block", map[string]any{"tx_hash": sampleHash, "block_number": float64(12)}, true, 12},
		{"camel case hex block", map[string]any{"txHash": sampleHash, "blockNumber": "0x10"}, true, 16},
		{"nested receipt", map[string]any{"status": "ok", "receipt": map[string]any{"transactionHash": sampleHash, "blockNumber": "99"}}, true, 99},
		{"json string", `{"hash":"` + sampleHash + `"}`, true, 0},
		{"bare hash", sampleHash, true, 0},
		{"struct", struct {
			TxHash string `json:"txHash"`
		}{sampleHash}, true, 0},
		{"address is not a tx hash", map[string]any{"hash": "0x52908400098527886E0F7030069857D2E4169EE7"}, false, 0},
		{"no reference", map[string]any{"price": "3000"}, false, 0},
		{"nil", nil, false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ref, ok := ExtractTxReference(tc.output)
			if ok != tc.wantFound {
				t.Fatalf("found=%v want %v", ok, tc.wantFound)
			}
			if !ok {
				return
			}
			if !strings.EqualFold(ref.Hash.Hex(), sampleHash) {
				t.Fatalf("unexpected hash %s", ref.Hash.Hex())
			}
			if tc.wantBlock == 0 {
				if ref.HasBlock() {
					t.Fatalf("unexpected block %d", *ref.BlockNumber)
				}
				return
			}
			if !ref.HasBlock() || *ref.BlockNumber != tc.wantBlock {
				t.Fatalf("expected block %d, got %v", tc.wantBlock, ref.BlockNumber)
			}
		})
	}
}

func TestTxReferenceMessage(t *testing.T) {
	ref, _ := ExtractTxReference(map[string]any{"tx_hash": sampleHash, "block_number": float64(5)})
	msg := ref.Message("https://etherscan.io/")
	if !strings.Contains(msg, "confirmed in block 5") || !strings.Contains(msg, "https://etherscan.io/tx/0x") {
		t.Fatalf("unexpected message %q", msg)
	}
	pending, _ := ExtractTxReference(sampleHash)
	if !strings.Contains(pending.Message(""), "submitted") {
		t.Fatalf("unexpected pending message %q", pending.Message(""))
	}
}

func TestParseChainDefinitions(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte("chains:\n  mainnet:\n    rpc_url: https://eth.example\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if defs.Chains["mainnet"].RPCURL != "https://eth.example" {
		t.Fatalf("unexpected defs: %+v", defs)
	}
	if _, err := ParseChainDefinitions([]byte("chains:\n  broken: {}\n")); err == nil {
		t.Fatalf("expected error for chain without rpc_url")
	}
	empty, err := LoadChainDefinitions("")
	if err != nil || len(empty.Chains) != 0 {
		t.Fatalf("empty path should yield no chains: %+v %v", empty, err)
	}
}
