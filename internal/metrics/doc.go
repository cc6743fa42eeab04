// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的客户端运行时指标采集能力，覆盖
流会话、双工 RPC 与续传存储三个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离。记录方法对 nil Collector
安全，未启用指标时各组件无需判空。

# 主要能力

  - 流会话指标：状态转换、记录数（data/named）、断线重连次数、
    非 200/204 连接响应（按状态码归类）。
  - 双工 RPC 指标：调用总数与耗时（按 method/outcome）、等待应答的
    调用数 Gauge、协议违规计数、收发帧计数。
  - 续传存储指标：令牌读写次数（按 backend/operation/status）。
*/
package metrics
