package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/pkg/logger"
)

const consumerTag = "aegis-notify"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// amqpChannel 是队列用到的 *amqp.Channel 方法子集。
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RabbitMQQueue 使用 RabbitMQ 承载 webhook 投递任务。
//
// 消费采用手动确认：投递成功后 ack；失败的任务重新入队一次，
// 再次失败则丢弃；因停机中断的任务总是重新入队。
type RabbitMQQueue struct {
	conn       *amqp.Connection
	ch         amqpChannel
	queue      string
	persistent bool
	mu         sync.Mutex
	log        *slog.Logger
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "open rabbitmq channel")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "set rabbitmq prefetch")
		}
	}
	q := newRabbitMQQueue(ch, cfg)
	if _, err := ch.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "declare rabbitmq queue")
	}
	q.conn = conn
	return q, nil
}

func newRabbitMQQueue(ch amqpChannel, cfg RabbitMQConfig) *RabbitMQQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "aegis.webhooks"
	}
	return &RabbitMQQueue{
		ch:         ch,
		queue:      queue,
		persistent: cfg.Durable,
		log:        logger.Named("notify-rabbitmq"),
	}
}

// Publish 将投递任务写入队列。
func (q *RabbitMQQueue) Publish(ctx context.Context, payload []byte) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        payload,
	}
	if q.persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish webhook delivery")
	}
	return nil
}

// Consume 阻塞消费直到 ctx 取消。broker 关闭投递通道或确认失败时返回错误。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "subscribe rabbitmq queue")
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case msg, ok := <-msgs:
					if !ok {
						return xerrors.New(xerrors.CodeQueueFailure, fmt.Sprintf("rabbitmq delivery channel for %s closed", q.queue))
					}
					if err := q.settle(gctx, msg, handler(gctx, msg.Body)); err != nil {
						return err
					}
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// settle 根据处理结果确认消息。
func (q *RabbitMQQueue) settle(ctx context.Context, msg amqp.Delivery, handleErr error) error {
	var err error
	switch {
	case handleErr == nil:
		err = msg.Ack(false)
	case ctx.Err() != nil:
		err = msg.Nack(false, true)
	case !msg.Redelivered:
		q.log.Warn("webhook delivery requeued", slog.Uint64("delivery_tag", msg.DeliveryTag), slog.Any("error", handleErr))
		err = msg.Nack(false, true)
	default:
		q.log.Error("webhook delivery dropped after redelivery", slog.Uint64("delivery_tag", msg.DeliveryTag), slog.Any("error", handleErr))
		err = msg.Nack(false, false)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "settle rabbitmq delivery")
	}
	return nil
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
