// Package consulhelper holds the shared configuration for the consulhelper
// command, a small toolbox that gives shell scripts Consul-backed
// coordination primitives.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Primitives
//
// The command exposes one subcommand per primitive, each built on a library
// package that can also be used directly from Go:
//
//   - lock: run an action while holding a `consul lock` compatible lock
//     (lockedCommand).
//   - wait: block until a leader is elected, sessions can be created, a key
//     holds a value or a service has a passing instance (waitForLeader,
//     waitForSession, waitUntilValue, waitUntilService), and compare a key
//     once (ensureValueEquals).
//   - counter: increment an integer key with check-and-set
//     (counterIncrement).
//
// All of them talk to Consul through the kv.Store interface. kv/consulkv is
// the production adapter, kv/memkv an in-memory implementation with the same
// semantics for tests, and kv/kvtrace wraps either with logging and spans.
//
// # Configuration
//
// Every persistent flag can be set in a YAML file and through an environment
// variable named after the flag:
//
//	CONSULHELPER_ADDRESS=consul.service:8500 \
//	CONSULHELPER_RETRY_DELAY=250ms \
//	consulhelper lockedCommand -k jobs/backup --shell-command 'backup.sh'
//
// Config.Validate applies defaults; unset Consul connection fields fall back
// to the CONSUL_HTTP_* variables understood by the Consul API client.
//
// # Errors and exit codes
//
// Transient store errors (connection failures, 5xx responses, missing
// leader) are logged and retried after a fixed delay without ever reaching
// the caller. Lock protocol violations exit with 3, a non-integer counter
// value exits with 4, and termination by signal n exits with 128+n after the
// lock has been released.
package consulhelper
