// Package healthcheck implements the background health monitor. Each cycle
// probes every backend with a plain HTTP GET under a timeout and records 2xx
// responses as healthy in the shared registry. Only health transitions are
// logged.
package healthcheck
