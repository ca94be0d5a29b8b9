// Package oracle 聚合多个价格源，为策略引擎提供资产的美元价格。
//
// 稳定币直接按 1.0 计价且不发起任何网络请求；其余资产先查询主价格源（Pyth
// Hermes），失败时回退到备用源（CoinGecko），解析结果在有限 TTL 内缓存。
package oracle
