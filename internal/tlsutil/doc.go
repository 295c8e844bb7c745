// Package tlsutil provides centralized, hardened TLS configuration for the
// gateway's outbound HTTP clients: adapter calls and health probes share
// one TLS baseline (1.2+, AEAD-only cipher suites) instead of each
// constructing its own transport.
package tlsutil
