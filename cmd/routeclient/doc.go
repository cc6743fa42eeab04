// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 routeclient 命令行入口。

# 子命令

  - tail <path>：订阅推送流路由，逐行输出 packet，fail 写入 stderr；
    --raw 时不解码信封，直接输出每条记录
  - call <path> <method> [args...]：连接双工路由完成握手后发起一次
    请求并输出结果；--listen 时继续输出服务端推送
  - version：输出版本信息

# 配置

配置优先级：默认值 → --config 指定的 YAML → .env 文件 →
ROUTECLIENT_* 环境变量 → 命令行参数。--metrics-addr 会开启
Prometheus /metrics 端点，遥测与续传存储按配置文件初始化。
SIGINT/SIGTERM 会关闭当前流或连接并正常退出。
*/
package main
