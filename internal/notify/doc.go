// Package notify 负责智能体 webhook 与运维告警的异步投递。
//
// Dispatcher 把事件编码为投递任务并发布到队列（内存、Redis 或 RabbitMQ），
// Worker 从队列消费并以 POST 方式送达。投递是尽力而为的：发布或送达失败只记录
// 日志，从不阻塞或打断调用方，也不会重试。
package notify
