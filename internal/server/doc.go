/*
Package server provides HTTP/HTTPS server lifecycle management: non-blocking
startup, graceful shutdown, and OS signal handling.

# Overview

Manager wraps net/http.Server, unifying listen/serve/shutdown/error
propagation into one type. It supports both plain HTTP and TLS startup,
with built-in SIGINT/SIGTERM handling suited to production graceful
stop requirements.

# Core types

  - Manager: HTTP server manager. Holds the http.Server, net.Listener,
    and an asynchronous error channel; exposes Start/StartTLS/Shutdown/
    WaitForShutdown lifecycle methods.
  - Config: server configuration — listen address, read/write timeouts,
    idle timeout, max header size, graceful shutdown timeout.

# Capabilities

  - Non-blocking startup: Start/StartTLS run the server in a background
    goroutine; the caller is never blocked.
  - Graceful shutdown: Shutdown drains in-flight requests and releases
    connections within the configured timeout.
  - Signal handling: WaitForShutdown listens for SIGINT/SIGTERM and
    triggers graceful shutdown automatically.
  - Error propagation: Errors() returns an async error channel so
    callers can observe unexpected server exits.
  - TLS support: StartTLS accepts a certificate/key pair.
  - Status queries: IsRunning/Addr report current state.
*/
package server
