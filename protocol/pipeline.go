package protocol

import "bufio"

// ReplyKind tags which Read* function a queued pipeline command expects
// back, so a consolidated multi-command reply can be demultiplexed record
// by record in submission order.
type ReplyKind uint8

const (
	ReplyStatus ReplyKind = iota
	ReplyRetrieval
	ReplyVersion
	ReplyStats
	ReplyCounter
)

// Reply is one demultiplexed record of a pipelined response.
type Reply struct {
	Kind    ReplyKind
	Status  string // ReplyStatus
	Items   []Item // ReplyRetrieval
	Version string // ReplyVersion
	Stats   []byte // ReplyStats (raw block, see ParseStatsBlock)
	Counter uint64 // ReplyCounter
	Found   bool   // ReplyCounter: false if NOT_FOUND
	Err     error  // set on a CLIENT_ERROR/SERVER_ERROR/ERROR or I/O failure
}

// ReadReply reads exactly one reply record of the given kind off r. It is
// the building block pipeline_raw demultiplexing is built from: for a
// pipeline of N commands, call ReadReply N times, once per queued kind, in
// submission order.
func ReadReply(r *bufio.Reader, kind ReplyKind, withCas bool) Reply {
	switch kind {
	case ReplyRetrieval:
		items, err := ReadRetrieval(r, withCas)
		return Reply{Kind: kind, Items: items, Err: err}
	case ReplyVersion:
		v, err := ReadVersion(r)
		return Reply{Kind: kind, Version: v, Err: err}
	case ReplyStats:
		s, err := ReadStatsBlock(r)
		return Reply{Kind: kind, Stats: s, Err: err}
	case ReplyCounter:
		v, found, err := ReadCounterReply(r)
		return Reply{Kind: kind, Counter: v, Found: found, Err: err}
	default:
		status, err := ReadStatusLine(r)
		return Reply{Kind: ReplyStatus, Status: status, Err: err}
	}
}
