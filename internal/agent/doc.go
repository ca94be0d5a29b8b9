// Package agent 维护智能体注册表：身份、托管密钥、策略及其版本历史、
// 运行状态、执行模式与信誉分。
package agent
