// Package dispatcher implements the per-connection handler of the load
// balancer.
//
// Each connection runs the sequence read request, select host, forward, read
// response, relay response. A failed forward marks the host unhealthy and
// continues the rotation; when every host has been tried the client receives a
// synthetic 503. The registry lock is only taken for selection and health
// updates, never across network I/O.
package dispatcher
