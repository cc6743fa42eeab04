// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// 包 route 描述远端路由并负责主机与路径解析：HostResolver 支持按域名、
// "pattern:" 路径正则与 "#name" 重定向映射主机，ResolvePath 替换
// ":name" 路径参数。
package route
