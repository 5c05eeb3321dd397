package emcache

import (
	"context"
	"fmt"

	"github.com/emcache-go/emcache/connection"
	"github.com/emcache-go/emcache/node"
	"github.com/emcache-go/emcache/protocol"
)

// Pipeline accumulates pre-serialised commands for a single node and, on
// Execute, sends the concatenation in one write and demultiplexes the
// consolidated reply record by record, in submission order. The only thing
// the core needs from a pipeline is one PipelineRaw call against a leased
// Connection; everything above that is string concatenation.
type Pipeline struct {
	node      *node.Node
	returnCas bool

	commands []byte
	kinds    []protocol.ReplyKind
}

// Version queues a version command.
func (p *Pipeline) Version() *Pipeline {
	p.commands = append(p.commands, protocol.EncodeVersion()...)
	p.kinds = append(p.kinds, protocol.ReplyVersion)
	return p
}

// Get queues a get/gets command for one key.
func (p *Pipeline) Get(key []byte) *Pipeline {
	p.commands = append(p.commands, protocol.EncodeRetrieval(p.returnCas, key)...)
	p.kinds = append(p.kinds, protocol.ReplyRetrieval)
	return p
}

// Set queues a set command.
func (p *Pipeline) Set(key, value []byte, flags uint32, exptime int64) *Pipeline {
	p.commands = append(p.commands, protocol.EncodeStorage(protocol.CmdSet, key, flags, exptime, value, 0, false)...)
	p.kinds = append(p.kinds, protocol.ReplyStatus)
	return p
}

// Delete queues a delete command.
func (p *Pipeline) Delete(key []byte) *Pipeline {
	p.commands = append(p.commands, protocol.EncodeDelete(key, false)...)
	p.kinds = append(p.kinds, protocol.ReplyStatus)
	return p
}

// Incr queues an incr command.
func (p *Pipeline) Incr(key []byte, delta uint64) *Pipeline {
	p.commands = append(p.commands, protocol.EncodeIncrDecr(protocol.CmdIncr, key, delta, false)...)
	p.kinds = append(p.kinds, protocol.ReplyCounter)
	return p
}

// Stats queues a stats command.
func (p *Pipeline) Stats(args ...string) *Pipeline {
	p.commands = append(p.commands, protocol.EncodeStats(args...)...)
	p.kinds = append(p.kinds, protocol.ReplyStats)
	return p
}

// Execute sends every queued command in one write and returns exactly
// len(queued) typed records, in submission order.
func (p *Pipeline) Execute(ctx context.Context) ([]protocol.Reply, error) {
	if len(p.kinds) == 0 {
		return nil, nil
	}

	var replies []protocol.Reply
	err := p.node.WithConnection(ctx, func(conn *connection.Connection) error {
		r, err := conn.PipelineRaw(ctx, p.commands, p.kinds, p.returnCas)
		replies = r
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("emcache: pipeline execute: %w", err)
	}
	return replies, nil
}
