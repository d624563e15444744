package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"AgentMesh/internal/identity"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 传输的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Partition string
	BlockWait time.Duration
}

// RedisTransport 使用 Redis list 在分区之间投递信封。每个分区对应一个
// list，键名为 agentmesh:partition:<id>。
type RedisTransport struct {
	client    *redis.Client
	partition string
	trusted   identity.Identity
	wait      time.Duration
}

// NewRedisTransport 创建 Redis 传输实例。
func NewRedisTransport(cfg RedisConfig, trusted identity.Identity) (*RedisTransport, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	if cfg.Partition == "" {
		return nil, errors.New("本地分区标识不能为空")
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisTransport{
		client:    client,
		partition: cfg.Partition,
		trusted:   trusted,
		wait:      wait,
	}, nil
}

func partitionList(partition string) string {
	return "agentmesh:partition:" + partition
}

// Name 实现 Transport 接口。
func (t *RedisTransport) Name() string { return "redis" }

// Dispatch 实现 Transport 接口。信封追加到目标分区的 list。
func (t *RedisTransport) Dispatch(ctx context.Context, env Envelope, _ uint64) error {
	if t == nil || t.client == nil {
		return errors.New("Redis 传输未初始化")
	}
	body, err := json.Marshal(Frame{SourcePartition: t.partition, Envelope: env})
	if err != nil {
		return fmt.Errorf("编码信封失败: %w", err)
	}
	if err := t.client.LPush(ctx, partitionList(env.PartitionID), body).Err(); err != nil {
		return fmt.Errorf("Redis 发布信封失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 消费本分区的入站 list。投递失败的信封不重投。
func (t *RedisTransport) Consume(ctx context.Context, workerCount int, receiver Receiver) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := t.client.BRPop(ctx, t.wait, partitionList(t.partition)).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if err == redis.Nil {
						continue
					}
					errCh <- fmt.Errorf("Redis 取信封失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				var frame Frame
				if err := json.Unmarshal([]byte(values[1]), &frame); err != nil {
					continue
				}
				_ = receiver.ReceiveMessage(ctx, t.trusted, frame.SourcePartition, frame.Envelope)
			}
		}()
	}
	// 等待第一个错误或取消信号。
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 实现 Transport 接口。
func (t *RedisTransport) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Close()
}

var _ Transport = (*RedisTransport)(nil)
