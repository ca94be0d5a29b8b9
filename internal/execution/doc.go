// Package execution 编排一次意图执行的完整流水线：
// 解析智能体与处理器、影响预估、原生与 USD 策略检查、构造交易、
// 预演风控、人工审批分流、提交与记账。每条路径都会留下交易记录与审计记录。
package execution
