// Package config 提供 routeclient 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → .env 文件 → ROUTECLIENT_ 环境变量 的顺序
// 叠加，Validate 在命令行参数覆盖之后执行。
package config
