// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 为命令行工具托管 Prometheus 指标端点。

Manager 封装 net/http.Server：Start 非阻塞监听，Shutdown 在
ShutdownTimeout 内排空连接且可重复调用，Errors 暴露异步错误。
Handler 挂载 /metrics（promhttp）与 /healthz 两个路由。
*/
package server
