// Package tcpserver accepts raw TCP connections and hands each one to a
// ConnHandler in its own goroutine. It supports an optional accept rate limit
// and a graceful shutdown that drains in-flight connections.
package tcpserver
