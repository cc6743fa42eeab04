// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 sse 实现 Server-Sent Events 风格推送流的客户端核心：字节级分帧器与
带退避重连的会话状态机。

# 概述

Framer 把任意切分的字节块解码为完整记录（event/data/id/retry），
内部以 cursor 持有未解析的尾部字节和两个扫描下标，跨块边界不丢不重，
已扫描的字节不会被重复扫描。Session 负责单条流的生命周期：连接、
读循环、断线后按 retry 字段或默认 3 秒延迟重连，并在重连时通过
last-send-id 请求头携带续传令牌。

# 核心类型

  - Framer：分帧器，Feed 返回本次输入完成的记录
  - Session：会话控制器，Run 在调用方 goroutine 上顺序派发 Event
  - Event / EventKind：带标签的会话事件（open/message/retry/close）
  - State：pending/opening/opened/retrying/closing/closed，
    非法转换由 CanTransition 拒绝
  - Connector：连接协作方，默认 HTTPConnector

# 状态码约定

200 进入读循环；204 以 server 原因关闭且不重连；其他状态码交给
OnOpenFail 决定是否重试，连续失败超过 MaxRetry（默认 10）时返回
MaximumRetryReached。id 为 ":CLOSE:" 的记录立即结束会话。
*/
package sse
