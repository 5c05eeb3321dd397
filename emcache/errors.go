// Package emcache is the public façade: argument validation, command
// dispatch through a Cluster, and classification of the wire outcome into
// the closed error taxonomy in package errs.
package emcache

import "github.com/emcache-go/emcache/errs"

// Sentinel errors callers match with errors.Is. These alias
// package errs so every layer below shares one identity per error kind.
var (
	ErrClientClosed      = errs.ClientClosed
	ErrInvalidArgument   = errs.InvalidArgument
	ErrTimeout           = errs.Timeout
	ErrConnectionFailure = errs.ConnectionFailure
	ErrNotFound          = errs.NotFound
	ErrNotStored         = errs.NotStored
	ErrStorage           = errs.Storage
	ErrCommand           = errs.Command
)
