package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"OpenMCP-Intent/internal/config"
	"OpenMCP-Intent/internal/web3"
	"OpenMCP-Intent/internal/web3/ethereum"
)

// Dialer creates a chain client; replaced in tests.
type Dialer func(ctx context.Context, cfg ethereum.Config) (web3.Client, error)

func dialEVM(ctx context.Context, cfg ethereum.Config) (web3.Client, error) {
	return ethereum.NewClient(ctx, cfg)
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	explorers    map[string]string
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	return NewRegistryWithDialer(ctx, cfg, dialEVM)
}

// NewRegistryWithDialer is NewRegistry with an explicit client factory.
func NewRegistryWithDialer(ctx context.Context, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	return build(ctx, cfg, defs, dial)
}

func build(ctx context.Context, cfg config.Web3Config, defs web3.ChainDefinitions, dial Dialer) (*Registry, error) {
	reg := &Registry{clients: make(map[string]web3.Client), explorers: make(map[string]string)}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			reg.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := dial(ctx, ethereum.Config{Name: name, RPCURL: chain.RPCURL, Notes: chain.Description})
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		reg.clients[name] = client
		reg.explorers[name] = chain.ExplorerURL
	}

	if len(reg.clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := dial(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		reg.clients["default"] = client
		reg.explorers["default"] = cfg.ExplorerURL
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(reg.clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	reg.defaultChain = cfg.DefaultChain
	if reg.defaultChain == "" {
		reg.defaultChain = reg.Chains()[0]
	}
	if _, ok := reg.clients[reg.defaultChain]; !ok {
		reg.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", reg.defaultChain)
	}
	return reg, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// TransactionReceipt queries the default chain.
func (r *Registry) TransactionReceipt(ctx context.Context, hash common.Hash) (*web3.Receipt, error) {
	client, err := r.DefaultClient()
	if err != nil {
		return nil, err
	}
	return client.TransactionReceipt(ctx, hash)
}

// Explorer returns the block explorer base URL of the default chain.
func (r *Registry) Explorer() string {
	if r == nil {
		return ""
	}
	return r.explorers[r.defaultChain]
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ web3.ReceiptFetcher = (*Registry)(nil)
