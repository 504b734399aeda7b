// Package config loads the balancer configuration from config.yaml and
// environment variables. It covers the listen and admin addresses, the
// backend host list, health check settings, I/O timeouts, framing limits,
// and logging verbosity.
package config
