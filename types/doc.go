// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 routeclient 的全局共享错误类型。

# 概述

types 是最底层的公共包，不依赖任何内部包。sse、duplex、route、client
均通过这里的 ErrorCode 区分失败类别，调用方使用 errors.Is 与哨兵错误
（ErrAbort、ErrMaxRetry、ErrProtocol 等）匹配。

# 核心类型

  - Error / ErrorCode：结构化错误，含 HTTPStatus、Retryable 与 Cause
  - TimeoutError：连接或握手超时，携带 ExpireDuration 与 ExpiredAt
*/
package types
