package emcache

import "github.com/emcache-go/emcache/protocol"

// Item is one retrieval result. Flags is only meaningful when
// the call requested it; Cas is only populated when the call used
// gets/gats (GetWithCas, or returnCas set on the other retrieval methods).
type Item struct {
	Value []byte
	Flags uint32
	Cas   uint64
}

func itemFromProtocol(p protocol.Item, returnFlags bool) Item {
	it := Item{Value: p.Value, Cas: p.Cas}
	if returnFlags {
		it.Flags = p.Flags
	}
	return it
}
