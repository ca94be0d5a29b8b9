// Package intent 定义意图处理器的能力接口与注册表。
//
// 每种意图（transfer、swap、stake、lend、flash、cpi）由一个 Handler 实现：
// Validate 在任何副作用之前校验参数并列出全部错误字段，EstimateImpact 是不访问
// 网络的纯函数，Build 通过账本适配器构造未签名交易。新增意图类型只需向 Registry
// 注册，不需要改动执行编排器。
package intent
