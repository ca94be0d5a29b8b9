// Package clock 提供可注入的时间源，冷却期、待审批 TTL 与“今天”的计算都经由它读取时间。
package clock

import (
	"sync"
	"time"
)

// Clock 抽象了当前时间的读取。
type Clock interface {
	Now() time.Time
}

// Func 允许使用普通函数作为 Clock。
type Func func() time.Time

// Now 实现 Clock。
func (f Func) Now() time.Time { return f() }

// Real 返回系统时钟，时间统一为 UTC。
func Real() Clock {
	return Func(func() time.Time { return time.Now().UTC() })
}

// OrReal 在 c 为空时返回系统时钟。
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}

// Today 返回 UTC 日期字符串（YYYY-MM-DD）。
func Today(c Clock) string {
	return Date(OrReal(c).Now())
}

// Date 将时间格式化为 UTC 日期字符串。
func Date(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Manual 是测试中使用的可手动推进的时钟。
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual 创建一个固定在 start 的时钟。
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now 实现 Clock。
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance 将时钟向前推进 d。
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set 将时钟设置为 t。
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}
