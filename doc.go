// Package httpclient implements an asynchronous, pipelining HTTP/1.x
// client engine for high-throughput transactional workloads: mail
// delivery, proxy relays, admin RPC. Callers submit Requests
// concurrently; the Client multiplexes them across a bounded pool of
// Connections to many origin Hosts, handling DNS resolution, TLS
// (direct and via CONNECT tunnels), pipelining, redirects,
// Expect:100-continue bodies, timeouts, and retry-with-backoff.
//
// The object graph mirrors the dependency order Client → Host → Queue
// → Peer → Connection → Request: a Client owns Hosts and Peers, a Host
// owns one Queue per (scheme, port) it is addressed on, a Queue races
// Peers to connect and hands Requests to whichever Peer wins, and a
// Peer pools Connections that each drive one physical byte stream.
package httpclient
