// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 client 提供面向路由的请求器：解析主机与路径、附加 jwt-bearer 凭据，
并打开推送流或全双工连接。

# 推送流

Requester.Stream 在 sse.Session 之上解码 JSON 信封：packet 与 fail
进入有界缓冲（默认 100，满时丢弃最旧项），throw 以 STREAM_THROWN
结束，close 正常结束，之后 Next 返回 io.EOF。

# 全双工

Requester.Connect 把 http(s) 地址映射为 ws(s)，按 DialRetry 重试拨号，
随后在握手中发送请求头。
*/
package client
