// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 duplex 实现基于消息的全双工 RPC 多路复用连接。

# 概述

Conn 运行在任意 Transport（WebSocket 或内存 Pipe）之上。建立连接时先
完成客户端握手：need-header → header → server-ready → client-ready →
complete，每一步由 handshakeTable 驱动，表外的帧即协议违规。握手完成后
支持三种帧：

  - send：单向推送，按到达顺序交给 ReceiveHandler
  - req：对端发起的调用，由 OnRequest 注册的处理器应答
  - res：本端调用的应答，按 id 交给 Registry 中等待的调用者

# 关闭语义

连接关闭（主动 Close、协议违规或传输断开）时，先拒绝所有挂起调用并
清空 Registry，再通知 OnClose 观察者。未知 id 的 res 与无处理器的 req
视为协议违规并关闭连接。
*/
package duplex
