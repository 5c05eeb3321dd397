package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// readLine reads one CRLF-terminated line and strips the trailing CRLF (or
// LF). It blocks until a full line is available, which is how this parser
// tolerates partial reads: the caller simply waits on the buffered reader.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// asProtocolError recognises CLIENT_ERROR/SERVER_ERROR/ERROR lines.
func asProtocolError(line string) error {
	switch {
	case strings.HasPrefix(line, prefixClientErr):
		return &ProtocolError{Kind: prefixClientErr, Message: strings.TrimSpace(strings.TrimPrefix(line, prefixClientErr))}
	case strings.HasPrefix(line, prefixServerErr):
		return &ProtocolError{Kind: prefixServerErr, Message: strings.TrimSpace(strings.TrimPrefix(line, prefixServerErr))}
	case line == StatusError:
		return &ProtocolError{Kind: StatusError}
	}
	return nil
}

// ReadStatusLine reads a single-token status reply (STORED, NOT_STORED,
// EXISTS, NOT_FOUND, DELETED, TOUCHED, OK) used by storage/touch/delete/
// flush_all/cache_memlimit/verbosity. A CLIENT_ERROR/SERVER_ERROR/ERROR line
// is returned as a *ProtocolError.
func ReadStatusLine(r *bufio.Reader) (string, error) {
	line, err := readLine(r)
	if err != nil {
		return "", err
	}
	if pErr := asProtocolError(line); pErr != nil {
		return "", pErr
	}
	return line, nil
}

// ReadVersion reads a "VERSION <text>" reply and returns the text.
func ReadVersion(r *bufio.Reader) (string, error) {
	line, err := readLine(r)
	if err != nil {
		return "", err
	}
	if pErr := asProtocolError(line); pErr != nil {
		return "", pErr
	}
	if !strings.HasPrefix(line, prefixVersion+" ") {
		return "", fmt.Errorf("protocol: unexpected version reply %q", line)
	}
	return strings.TrimPrefix(line, prefixVersion+" "), nil
}

// ReadCounterReply reads the reply to incr/decr: either a decimal integer
// or NOT_FOUND. found is false when the server replied NOT_FOUND.
func ReadCounterReply(r *bufio.Reader) (value uint64, found bool, err error) {
	line, err := readLine(r)
	if err != nil {
		return 0, false, err
	}
	if line == StatusNotFound {
		return 0, false, nil
	}
	if pErr := asProtocolError(line); pErr != nil {
		return 0, false, pErr
	}
	v, convErr := strconv.ParseUint(line, 10, 64)
	if convErr != nil {
		return 0, false, fmt.Errorf("protocol: malformed counter reply %q: %w", line, convErr)
	}
	return v, true, nil
}

// ReadRetrieval reads zero or more VALUE records terminated by END, as
// produced by get/gets/gat/gats. withCas controls whether the per-record
// trailing CAS token is expected.
func ReadRetrieval(r *bufio.Reader, withCas bool) ([]Item, error) {
	var items []Item
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == statusEnd {
			return items, nil
		}
		if pErr := asProtocolError(line); pErr != nil {
			return nil, pErr
		}
		item, err := parseValueHeader(line, withCas)
		if err != nil {
			return nil, err
		}
		payload := make([]byte, len(item.Value))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		item.Value = payload
		// Consume the CRLF that follows the payload.
		if _, err := readLine(r); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}

// parseValueHeader parses "VALUE <key> <flags> <bytes> [<cas>]" and stashes
// the declared payload length in item.Value (as a length-only placeholder)
// so the caller knows exactly how many bytes to read next.
func parseValueHeader(line string, withCas bool) (Item, error) {
	fields := strings.Fields(line)
	minFields := 4
	if withCas {
		minFields = 5
	}
	if len(fields) < minFields || fields[0] != prefixValue {
		return Item{}, fmt.Errorf("protocol: malformed VALUE header %q", line)
	}

	flags, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return Item{}, fmt.Errorf("protocol: malformed flags in %q: %w", line, err)
	}
	size, err := strconv.Atoi(fields[3])
	if err != nil {
		return Item{}, fmt.Errorf("protocol: malformed size in %q: %w", line, err)
	}

	item := Item{
		Key:   []byte(fields[1]),
		Flags: uint32(flags),
		Value: make([]byte, size), // length placeholder, filled by caller
	}
	if withCas {
		cas, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			return Item{}, fmt.Errorf("protocol: malformed cas in %q: %w", line, err)
		}
		item.Cas = cas
	}
	return item, nil
}

// ReadStatsBlock reads zero or more "STAT <name> <value>" lines terminated
// by END and returns the raw block bytes (each line including its CRLF),
// for the façade to post-process into a map.
func ReadStatsBlock(r *bufio.Reader) ([]byte, error) {
	var buf strings.Builder
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == statusEnd {
			return []byte(buf.String()), nil
		}
		if pErr := asProtocolError(line); pErr != nil {
			return nil, pErr
		}
		if !strings.HasPrefix(line, prefixStat+" ") {
			return nil, fmt.Errorf("protocol: unexpected line in stats block: %q", line)
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
}

const prefixConfig = "CONFIG"

// ReadConfigBlock reads the reply to "config get cluster": a single
// "CONFIG <class> <flags> <bytes>\r\n" header followed by exactly that many
// payload bytes, a trailing CRLF, and a terminating END line. Returns the
// raw payload for the caller to pick the last non-empty line out of.
func ReadConfigBlock(r *bufio.Reader) ([]byte, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if pErr := asProtocolError(line); pErr != nil {
		return nil, pErr
	}
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != prefixConfig {
		return nil, fmt.Errorf("protocol: malformed CONFIG header %q", line)
	}
	size, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, fmt.Errorf("protocol: malformed size in %q: %w", line, err)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if _, err := readLine(r); err != nil { // trailing CRLF after payload
		return nil, err
	}
	endLine, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if endLine != statusEnd {
		return nil, fmt.Errorf("protocol: expected END after CONFIG payload, got %q", endLine)
	}
	return payload, nil
}

// ParseStatsBlock turns the raw STAT block bytes returned by ReadStatsBlock
// into a name/value map.
func ParseStatsBlock(raw []byte) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(strings.TrimRight(string(raw), "\r\n"), "\r\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(strings.TrimPrefix(line, prefixStat+" "), " ", 2)
		if len(fields) != 2 {
			continue
		}
		out[fields[0]] = fields[1]
	}
	return out
}
