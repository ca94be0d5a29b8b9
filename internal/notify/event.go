package notify

import (
	"time"
)

// EventType 是 webhook 事件名。
type EventType string

const (
	EventPendingApproval EventType = "pending_approval"
	EventLowBalance      EventType = "low_balance"
	EventExecutionAlert  EventType = "execution_alert"
)

// Event 是 webhook 的 JSON 信封。
type Event struct {
	Event      EventType      `json:"event"`
	AgentID    string         `json:"agentId"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data,omitempty"`
}

// Delivery 是写入队列的投递任务。
type Delivery struct {
	URL   string `json:"url"`
	Event Event  `json:"event"`
}
