package notify

import (
	"context"
)

// Handler 处理一条来自队列的投递任务。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
