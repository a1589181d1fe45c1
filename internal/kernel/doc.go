// Package kernel drives one live interactive kernel over the Jupyter
// messaging protocol.
//
// # Channels
//
// A kernel is reached over two logical channels:
//
//   - shell: request/reply. Code is submitted as an execute_request and the
//     kernel answers with exactly one execute_reply.
//   - iopub: broadcast. Every side effect of an execution (stream text,
//     display data, results, errors, busy/idle status) is published here
//     with a parent_header pointing at the request that caused it.
//
// # Architecture
//
// Client implements Session on top of a Conn. A Conn owns the transport
// (process, sockets, websocket) and hands every inbound message to the
// Client, which routes it by channel into an unbounded FIFO queue. Receives
// wait on that queue with an explicit timeout; transports never block on a
// slow consumer.
//
// Two transports are provided:
//
//   - LocalConn launches the kernel process itself and speaks the ZeroMQ
//     wire protocol with HMAC-signed frames.
//   - GatewayConn asks a running Jupyter server for a kernel and talks to
//     it over the multiplexed websocket endpoint.
//
// # Lifecycle
//
// Start connects and waits for the kernel to answer a kernel_info_request.
// Restart reinitializes the interpreter while the Client stays usable. Stop
// shuts the kernel down and releases the transport. A Client serves exactly
// one document; concurrent Execute calls are not supported.
package kernel
