package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"AgentMesh/internal/api"
	"AgentMesh/internal/archive"
	"AgentMesh/internal/config"
	"AgentMesh/internal/directory"
	"AgentMesh/internal/events"
	"AgentMesh/internal/identity"
	"AgentMesh/internal/ledger"
	ethledger "AgentMesh/internal/ledger/ethereum"
	"AgentMesh/internal/market"
	"AgentMesh/internal/observability/metrics"
	"AgentMesh/internal/relay"
	"AgentMesh/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"
)

// main 是 AgentMesh 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentmeshd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTMESH_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentmesh.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Log.AuditPath != "",
			Path:    cfg.Log.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	operator := identity.Normalize(cfg.Roles.Operator)
	treasury := identity.Normalize(cfg.Roles.Treasury)
	vault := identity.Normalize(cfg.Roles.Vault)
	transportID := identity.Normalize(cfg.Roles.Transport)
	collector := identity.Normalize(cfg.Roles.Collector)

	escrow, closeLedger, err := createLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	sinks := []events.Sink{events.LogSink{}, metrics.EventSink{}}
	var eventLog api.EventLog
	if cfg.Archive.Driver == "mysql" {
		store, err := archive.NewMySQLArchive(cfg.Archive.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		sinks = append(sinks, store)
		eventLog = store
	}
	bus := events.NewFanout(sinks...)

	dir := directory.New(escrow, operator, treasury,
		directory.WithDeploymentFee(cfg.Directory.DeploymentFee),
		directory.WithEventBus(bus),
	)
	mkt := market.New(escrow, dir, operator, vault,
		market.WithMinReward(cfg.Market.MinReward),
		market.WithEventBus(bus),
	)

	defs, err := relay.LoadPartitionDefinitions(cfg.Relay.PartitionsFile)
	if err != nil {
		return err
	}

	transport, consume, err := createTransport(cfg, transportID)
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.L().Error("关闭传输层失败", slog.Any("error", err))
		}
	}()

	rly := relay.New(dir, transport, operator, transportID,
		relay.WithEventBus(bus),
		relay.WithPartitions(defs.IDs()...),
		relay.WithFeeCollection(escrow, collector),
	)

	if mt, ok := transport.(*relay.MemoryTransport); ok {
		mt.Bind(cfg.Relay.LocalPartition, rly)
	}
	if consume != nil {
		go func() {
			if err := consume(ctx, cfg.Relay.Workers, rly); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("传输消费异常退出", slog.Any("error", err))
			}
		}()
	}

	serverOpts := make([]api.Option, 0, 3)
	if eventLog != nil {
		serverOpts = append(serverOpts, api.WithEventLog(eventLog))
	}
	if cfg.Auth.TokenSecret != "" {
		ttl, err := cfg.TokenTTLDuration()
		if err != nil {
			return err
		}
		tokens, err := identity.NewTokenManager(cfg.Auth.TokenSecret, cfg.Auth.TokenIssuer, ttl)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, api.WithTokenManager(tokens))
	}
	if cfg.Auth.InsecureHeader {
		logger.L().Warn("已启用不安全的请求头身份声明，仅限开发环境")
		serverOpts = append(serverOpts, api.WithInsecureHeader())
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	logger.L().Info("agentmeshd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("transport", transport.Name()),
		slog.String("partition", cfg.Relay.LocalPartition),
	)

	server := api.NewServer(cfg.Server.Address, dir, mkt, rly, serverOpts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createLedger 按配置选择账本实现，返回实例与释放函数。
func createLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, func(), error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		return ledger.NewMemoryLedger(), func() {}, nil
	case "ethereum":
		signer, err := createSigner(cfg.Ledger.Ethereum)
		if err != nil {
			return nil, nil, err
		}
		client, err := ethledger.NewClient(ctx, ethledger.Config{
			Name:         "erc20",
			RPCURL:       cfg.Ledger.Ethereum.RPCURL,
			TokenAddress: cfg.Ledger.Ethereum.TokenAddress,
		}, signer)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

func createSigner(cfg config.EthereumConfig) (*bind.TransactOpts, error) {
	if cfg.PrivateKeyEnv == "" {
		return nil, errors.New("ethereum 账本需要配置 private_key_env")
	}
	raw := strings.TrimSpace(os.Getenv(cfg.PrivateKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("环境变量 %s 未提供签名私钥", cfg.PrivateKeyEnv)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("ethereum 账本需要配置 chain_id")
	}
	return bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
}

// consumeFunc 启动传输层的入站消费循环。
type consumeFunc func(ctx context.Context, workers int, receiver relay.Receiver) error

// createTransport 按配置选择传输实现。内存传输没有消费循环，入站由
// Bind 直接回调。
func createTransport(cfg *config.Config, trusted identity.Identity) (relay.Transport, consumeFunc, error) {
	switch cfg.Relay.Transport {
	case "", "memory":
		return relay.NewMemoryTransport(cfg.Relay.LocalPartition, trusted), nil, nil
	case "rabbitmq":
		transport, err := relay.NewRabbitMQTransport(relay.RabbitMQConfig{
			URL:       cfg.Relay.RabbitMQ.URL,
			Partition: cfg.Relay.LocalPartition,
			Prefetch:  cfg.Relay.RabbitMQ.Prefetch,
			Durable:   cfg.Relay.RabbitMQ.Durable,
		}, trusted)
		if err != nil {
			return nil, nil, err
		}
		return transport, transport.Consume, nil
	case "redis":
		transport, err := relay.NewRedisTransport(relay.RedisConfig{
			Address:   cfg.Relay.Redis.Address,
			Password:  cfg.Relay.Redis.Password,
			DB:        cfg.Relay.Redis.DB,
			Partition: cfg.Relay.LocalPartition,
			BlockWait: 5 * time.Second,
		}, trusted)
		if err != nil {
			return nil, nil, err
		}
		return transport, transport.Consume, nil
	default:
		return nil, nil, fmt.Errorf("未知的传输驱动: %s", cfg.Relay.Transport)
	}
}
