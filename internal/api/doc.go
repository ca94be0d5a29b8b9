// Package api 提供 Aegis 节点的 REST 接口：智能体注册与配置、意图执行、
// 人工审批、审计查询以及资金台账。
package api
