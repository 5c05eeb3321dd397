// Package errs is the closed error taxonomy shared by every layer of the
// client: pool, connection, cluster, autobatch, and the
// façade all wrap one of these sentinels so callers can use errors.Is
// regardless of which layer produced the failure.
//
// Kept as its own leaf package so every other package can depend on it
// without a cycle.
package errs

import "errors"

var (
	// ClientClosed is returned for any call made after Close().
	ClientClosed = errors.New("emcache: client closed")

	// InvalidArgument covers key/flags/cas/delta validation failures caught
	// before any I/O is attempted.
	InvalidArgument = errors.New("emcache: invalid argument")

	// Timeout is returned when a deadline installed by the timeout guard
	// fires before the operation completed.
	Timeout = errors.New("emcache: timeout")

	// ConnectionFailure covers I/O, TLS, and SASL failures.
	ConnectionFailure = errors.New("emcache: connection failure")

	// NotFound is returned when the server replied NOT_FOUND to a command
	// requiring existence.
	NotFound = errors.New("emcache: not found")

	// NotStored is returned for NOT_STORED, or EXISTS on a cas command.
	NotStored = errors.New("emcache: not stored")

	// Storage is returned for any other non-STORED reply to a storage
	// command.
	Storage = errors.New("emcache: storage failed")

	// Command is a generic protocol-level failure: ERROR, CLIENT_ERROR,
	// SERVER_ERROR, or a reply inconsistent with the issued command.
	Command = errors.New("emcache: command failed")
)
