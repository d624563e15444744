// Package ethereum 提供基于 ERC20 代币合约的账本实现。
//
// 身份在该模式下即十六进制链上地址，转账通过合约的 transfer /
// transferFrom 方法结算。链被视为不透明的串行执行器：交易要么上链
// 成功，要么整体失败，核心组件据此维持全有或全无的语义。
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/identity"
	"AgentMesh/internal/ledger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// erc20ABI 只包含账本需要的三个方法。
const erc20ABI = `[
  {"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"transferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"balanceOf","type":"function","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}
]`

// Config describes how to reach the token contract.
type Config struct {
	Name         string
	RPCURL       string
	TokenAddress string
	Notes        string
}

// Client implements the ledger.Ledger interface on top of an ERC20 token.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   bind.ContractBackend
	contract  *bind.BoundContract
	token     common.Address
	signer    *bind.TransactOpts
	commit    func()
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and binds the token contract.
// The signer authorizes outgoing transfer transactions; escrow-style flows
// rely on token allowances granted to the signer address.
func NewClient(ctx context.Context, cfg Config, signer *bind.TransactOpts) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("代币合约地址非法: %s", cfg.TokenAddress)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	client, err := NewBoundClient(cfg.Name, common.HexToAddress(cfg.TokenAddress), eth, signer, nil)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	client.rpcClient = rpcClient
	client.eth = eth
	client.notes = cfg.Notes
	return client, nil
}

// NewBoundClient wires the ledger to an arbitrary contract backend. The
// commit hook is invoked after each transaction and exists for simulated
// backends that only advance when told to.
func NewBoundClient(name string, token common.Address, backend bind.ContractBackend, signer *bind.TransactOpts, commit func()) (*Client, error) {
	if backend == nil {
		return nil, errors.New("缺少链访问后端")
	}
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC20 ABI 失败: %w", err)
	}
	return &Client{
		name:     name,
		backend:  backend,
		contract: bind.NewBoundContract(token, parsedABI, backend, backend, backend),
		token:    token,
		signer:   signer,
		commit:   commit,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Transfer 实现 ledger.Ledger 接口。from 必须与签名者地址一致。
func (c *Client) Transfer(ctx context.Context, from, to identity.Identity, amount uint64) error {
	fromAddr, err := resolveAddress(from)
	if err != nil {
		return err
	}
	toAddr, err := resolveAddress(to)
	if err != nil {
		return err
	}
	if c.signer == nil {
		return xerrors.New(xerrors.CodeInitialization, "账本未配置交易签名器")
	}
	if c.signer.From != fromAddr {
		return ledger.ErrTransferRejected
	}
	return c.transact(ctx, "transfer", toAddr, new(big.Int).SetUint64(amount))
}

// TransferFrom 实现 ledger.Ledger 接口，依赖 payer 授予签名者的额度。
func (c *Client) TransferFrom(ctx context.Context, payer, payee identity.Identity, amount uint64) error {
	payerAddr, err := resolveAddress(payer)
	if err != nil {
		return err
	}
	payeeAddr, err := resolveAddress(payee)
	if err != nil {
		return err
	}
	return c.transact(ctx, "transferFrom", payerAddr, payeeAddr, new(big.Int).SetUint64(amount))
}

// BalanceOf 查询代币余额。
func (c *Client) BalanceOf(ctx context.Context, id identity.Identity) (uint64, error) {
	addr, err := resolveAddress(id)
	if err != nil {
		return 0, err
	}
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", addr); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeEscrow, err, "查询余额失败")
	}
	if len(out) != 1 {
		return 0, xerrors.New(xerrors.CodeEscrow, "balanceOf 返回值异常")
	}
	balance, ok := out[0].(*big.Int)
	if !ok || !balance.IsUint64() {
		return 0, xerrors.New(xerrors.CodeEscrow, "balanceOf 返回值异常")
	}
	return balance.Uint64(), nil
}

func (c *Client) transact(ctx context.Context, method string, params ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.signer == nil {
		return xerrors.New(xerrors.CodeInitialization, "账本未配置交易签名器")
	}

	opts := *c.signer
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, method, params...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeEscrow, err, fmt.Sprintf("发送 %s 交易失败", method))
	}
	if c.commit != nil {
		c.commit()
	}

	receipt, err := c.waitMined(ctx, tx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeEscrow, err, fmt.Sprintf("等待 %s 交易确认失败", method))
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return ledger.ErrTransferRejected
	}
	return nil
}

func (c *Client) waitMined(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error) {
	waiter, ok := c.backend.(bind.DeployBackend)
	if !ok {
		return nil, errors.New("后端不支持交易回执查询")
	}
	return bind.WaitMined(ctx, waiter, tx)
}

func resolveAddress(id identity.Identity) (common.Address, error) {
	raw := strings.TrimSpace(id.String())
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("身份 %q 不是合法的链上地址", raw))
	}
	return common.HexToAddress(raw), nil
}

// ensure interface compliance at compile time
var (
	_ ledger.Ledger        = (*Client)(nil)
	_ ledger.BalanceReader = (*Client)(nil)
)
