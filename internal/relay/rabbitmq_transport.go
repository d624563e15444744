package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"AgentMesh/internal/identity"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 传输的连接参数。
type RabbitMQConfig struct {
	URL        string
	Partition  string
	Exchange   string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQTransport 通过 RabbitMQ 在分区之间投递信封。每个分区对应一个
// 队列，队列名为 agentmesh.partition.<id>。
type RabbitMQTransport struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	partition string
	trusted   identity.Identity
	durable   bool
	autoDel   bool

	mu       sync.Mutex
	declared map[string]bool
}

// NewRabbitMQTransport 创建 RabbitMQ 传输实例并声明本分区的入站队列。
func NewRabbitMQTransport(cfg RabbitMQConfig, trusted identity.Identity) (*RabbitMQTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	if cfg.Partition == "" {
		return nil, errors.New("本地分区标识不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	t := &RabbitMQTransport{
		conn:      conn,
		ch:        ch,
		partition: cfg.Partition,
		trusted:   trusted,
		durable:   cfg.Durable,
		autoDel:   cfg.AutoDelete,
		declared:  make(map[string]bool),
	}
	if err := t.declare(cfg.Partition); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return t, nil
}

func partitionQueue(partition string) string {
	return "agentmesh.partition." + partition
}

func (t *RabbitMQTransport) declare(partition string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.declared[partition] {
		return nil
	}
	if _, err := t.ch.QueueDeclare(partitionQueue(partition), t.durable, t.autoDel, false, false, nil); err != nil {
		return fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	t.declared[partition] = true
	return nil
}

// Name 实现 Transport 接口。
func (t *RabbitMQTransport) Name() string { return "rabbitmq" }

// Dispatch 实现 Transport 接口。信封发布到目标分区的队列，传输费随消
// 息头携带。
func (t *RabbitMQTransport) Dispatch(ctx context.Context, env Envelope, fee uint64) error {
	if t == nil || t.ch == nil {
		return errors.New("RabbitMQ 传输未初始化")
	}
	if err := t.declare(env.PartitionID); err != nil {
		return err
	}
	body, err := json.Marshal(Frame{SourcePartition: t.partition, Envelope: env})
	if err != nil {
		return fmt.Errorf("编码信封失败: %w", err)
	}
	return t.ch.PublishWithContext(ctx, "", partitionQueue(env.PartitionID), false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   env.MessageID,
		Headers:     amqp.Table{"transport_fee": strconv.FormatUint(fee, 10)},
		Body:        body,
	})
}

// Consume 以手动确认模式消费本分区的入站队列，并把解码后的信封交给
// receiver。投递失败同样确认消息，不做重投。
func (t *RabbitMQTransport) Consume(ctx context.Context, workerCount int, receiver Receiver) error {
	if t == nil || t.ch == nil {
		return errors.New("RabbitMQ 传输未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := t.ch.Consume(partitionQueue(t.partition), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					var frame Frame
					if err := json.Unmarshal(msg.Body, &frame); err != nil {
						_ = msg.Ack(false)
						continue
					}
					_ = receiver.ReceiveMessage(ctx, t.trusted, frame.SourcePartition, frame.Envelope)
					_ = msg.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 实现 Transport 接口。
func (t *RabbitMQTransport) Close() error {
	if t == nil {
		return nil
	}
	if t.ch != nil {
		_ = t.ch.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

var _ Transport = (*RabbitMQTransport)(nil)
