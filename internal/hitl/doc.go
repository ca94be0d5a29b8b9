// Package hitl 实现人工审批队列：监督模式下通过全部检查的交易在此等待运营人员批准或拒绝。
//
// 状态只能向前推进：awaiting_approval → approved | rejected | expired。
// 所有状态变更都是比较并交换，周期性清扫与请求内的过期检查可以并发执行。
package hitl
