// Package telemetry 为 routeclient 初始化 OpenTelemetry 的 TracerProvider
// 与 MeterProvider，导出 sse 与 duplex 的连接和调用 span。
// 未启用时使用 noop 实现。
package telemetry
