// Package config 负责加载 Aegis 节点配置：YAML/JSON 文件、.env 文件以及
// AEGIS_* 环境变量按顺序叠加，再补齐默认值并统一校验。
package config
