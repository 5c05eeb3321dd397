package emcache

import (
	"fmt"

	"github.com/emcache-go/emcache/errs"
	"github.com/emcache-go/emcache/protocol"
)

// maxFlags is the wire-format ceiling: flags is a 16-bit unsigned field,
// even though the call-site type is the wider uint32.
const maxFlags = 1 << 16

func validateKey(key []byte) error {
	if !protocol.ValidKey(key) {
		return fmt.Errorf("emcache: invalid key %q: %w", key, errs.InvalidArgument)
	}
	return nil
}

func validateKeys(keys [][]byte) error {
	for _, k := range keys {
		if err := validateKey(k); err != nil {
			return err
		}
	}
	return nil
}

func validateFlags(flags uint32) error {
	if flags >= maxFlags {
		return fmt.Errorf("emcache: flags %d exceeds 16 bits: %w", flags, errs.InvalidArgument)
	}
	return nil
}

// validateCredentials enforces that username/password must both be set or
// both unset.
func validateCredentials(username, password string) error {
	if (username == "") != (password == "") {
		return fmt.Errorf("emcache: username and password must both be set or both unset: %w", errs.InvalidArgument)
	}
	return nil
}
