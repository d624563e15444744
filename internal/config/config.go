package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述 AgentMesh 守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Metrics   MetricsConfig   `json:"metrics"`
	Log       LogConfig       `json:"log"`
	Auth      AuthConfig      `json:"auth"`
	Roles     RolesConfig     `json:"roles"`
	Ledger    LedgerConfig    `json:"ledger"`
	Directory DirectoryConfig `json:"directory"`
	Market    MarketConfig    `json:"market"`
	Relay     RelayConfig     `json:"relay"`
	Archive   ArchiveConfig   `json:"archive"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制独立指标服务的监听地址，留空则不启动。
type MetricsConfig struct {
	Address string `json:"address"`
}

// LogConfig 控制日志输出。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// AuthConfig 配置调用者身份的验证方式。InsecureHeader 开启后允许通过
// 请求头直接声明身份，仅限本地开发。
type AuthConfig struct {
	TokenSecret    string `json:"token_secret"`
	TokenIssuer    string `json:"token_issuer"`
	TokenTTL       string `json:"token_ttl"`
	InsecureHeader bool   `json:"insecure_header"`
}

// RolesConfig 指定系统中的特权身份。
type RolesConfig struct {
	Operator  string `json:"operator"`
	Treasury  string `json:"treasury"`
	Vault     string `json:"vault"`
	Transport string `json:"transport"`
	Collector string `json:"collector"`
}

// LedgerConfig 选择价值账本的实现。
type LedgerConfig struct {
	Driver   string         `json:"driver"`
	Ethereum EthereumConfig `json:"ethereum"`
}

// EthereumConfig 描述 ERC20 账本所需的节点与合约信息。签名私钥不落盘，
// 从 PrivateKeyEnv 指定的环境变量读取。
type EthereumConfig struct {
	RPCURL        string `json:"rpc_url"`
	TokenAddress  string `json:"token_address"`
	ChainID       int64  `json:"chain_id"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// DirectoryConfig 控制目录的初始参数。
type DirectoryConfig struct {
	DeploymentFee uint64 `json:"deployment_fee"`
}

// MarketConfig 控制市场的初始参数。
type MarketConfig struct {
	MinReward uint64 `json:"min_reward"`
}

// RelayConfig 控制跨分区中继与传输层。
type RelayConfig struct {
	Transport      string         `json:"transport"`
	LocalPartition string         `json:"local_partition"`
	PartitionsFile string         `json:"partitions_file"`
	Workers        int            `json:"workers"`
	RabbitMQ       RabbitMQConfig `json:"rabbitmq"`
	Redis          RedisConfig    `json:"redis"`
}

// RabbitMQConfig 描述 RabbitMQ 传输的连接信息。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// RedisConfig 描述 Redis 传输的连接信息。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ArchiveConfig 选择事件归档的实现，driver 为 none 时关闭归档。
type ArchiveConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// Load 解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// TokenTTLDuration 返回解析后的令牌有效期。
func (c *Config) TokenTTLDuration() (time.Duration, error) {
	if c.Auth.TokenTTL == "" {
		return 24 * time.Hour, nil
	}
	ttl, err := time.ParseDuration(c.Auth.TokenTTL)
	if err != nil {
		return 0, fmt.Errorf("解析令牌有效期失败: %w", err)
	}
	if ttl <= 0 {
		return 0, errors.New("令牌有效期必须为正")
	}
	return ttl, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Auth.TokenIssuer == "" {
		c.Auth.TokenIssuer = "agentmesh"
	}
	if c.Roles.Operator == "" {
		c.Roles.Operator = "operator"
	}
	if c.Roles.Treasury == "" {
		c.Roles.Treasury = "treasury"
	}
	if c.Roles.Vault == "" {
		c.Roles.Vault = "market-vault"
	}
	if c.Roles.Transport == "" {
		c.Roles.Transport = "relay-transport"
	}
	if c.Roles.Collector == "" {
		c.Roles.Collector = c.Roles.Treasury
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Relay.Transport == "" {
		c.Relay.Transport = "memory"
	}
	if c.Relay.LocalPartition == "" {
		c.Relay.LocalPartition = "local"
	}
	if c.Relay.Workers <= 0 {
		c.Relay.Workers = 2
	}
	if c.Relay.PartitionsFile != "" && !filepath.IsAbs(c.Relay.PartitionsFile) {
		c.Relay.PartitionsFile = filepath.Join(baseDir, c.Relay.PartitionsFile)
	}
	if c.Archive.Driver == "" {
		c.Archive.Driver = "none"
	}
}
