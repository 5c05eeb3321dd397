package protocol

import (
	"bytes"
	"strconv"
)

// StorageCommand names a storage-class text command.
type StorageCommand string

const (
	CmdSet     StorageCommand = "set"
	CmdAdd     StorageCommand = "add"
	CmdReplace StorageCommand = "replace"
	CmdAppend  StorageCommand = "append"
	CmdPrepend StorageCommand = "prepend"
	CmdCas     StorageCommand = "cas"
)

// EncodeRetrieval builds a get/gets command for one or many keys.
func EncodeRetrieval(withCas bool, keys ...[]byte) []byte {
	var buf bytes.Buffer
	if withCas {
		buf.WriteString("gets")
	} else {
		buf.WriteString("get")
	}
	for _, k := range keys {
		buf.WriteByte(' ')
		buf.Write(k)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// EncodeGetAndTouch builds a gat/gats command for one or many keys.
func EncodeGetAndTouch(withCas bool, exptime int64, keys ...[]byte) []byte {
	var buf bytes.Buffer
	if withCas {
		buf.WriteString("gats ")
	} else {
		buf.WriteString("gat ")
	}
	buf.WriteString(strconv.FormatInt(exptime, 10))
	for _, k := range keys {
		buf.WriteByte(' ')
		buf.Write(k)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// EncodeStorage builds set/add/replace/append/prepend/cas. casUnique is only
// written when cmd == CmdCas.
func EncodeStorage(cmd StorageCommand, key []byte, flags uint32, exptime int64, value []byte, casUnique uint64, noreply bool) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(cmd))
	buf.WriteByte(' ')
	buf.Write(key)
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatUint(uint64(flags), 10))
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatInt(exptime, 10))
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(len(value)))
	if cmd == CmdCas {
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatUint(casUnique, 10))
	}
	if noreply {
		buf.WriteString(" noreply")
	}
	buf.WriteString("\r\n")
	buf.Write(value)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// IncrDecrCommand names incr or decr.
type IncrDecrCommand string

const (
	CmdIncr IncrDecrCommand = "incr"
	CmdDecr IncrDecrCommand = "decr"
)

// EncodeIncrDecr builds an incr/decr command.
func EncodeIncrDecr(cmd IncrDecrCommand, key []byte, delta uint64, noreply bool) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(cmd))
	buf.WriteByte(' ')
	buf.Write(key)
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatUint(delta, 10))
	if noreply {
		buf.WriteString(" noreply")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// EncodeTouch builds a touch command.
func EncodeTouch(key []byte, exptime int64, noreply bool) []byte {
	var buf bytes.Buffer
	buf.WriteString("touch ")
	buf.Write(key)
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatInt(exptime, 10))
	if noreply {
		buf.WriteString(" noreply")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// EncodeDelete builds a delete command.
func EncodeDelete(key []byte, noreply bool) []byte {
	var buf bytes.Buffer
	buf.WriteString("delete ")
	buf.Write(key)
	if noreply {
		buf.WriteString(" noreply")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// EncodeFlushAll builds a flush_all command. delay < 0 omits the delay token.
func EncodeFlushAll(delay int64, noreply bool) []byte {
	var buf bytes.Buffer
	buf.WriteString("flush_all")
	if delay >= 0 {
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatInt(delay, 10))
	}
	if noreply {
		buf.WriteString(" noreply")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// EncodeVersion builds a version command.
func EncodeVersion() []byte {
	return []byte("version\r\n")
}

// EncodeStats builds a stats command, optionally with arguments
// (e.g. "items", "slabs").
func EncodeStats(args ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString("stats")
	for _, a := range args {
		buf.WriteByte(' ')
		buf.WriteString(a)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// EncodeCacheMemlimit builds a cache_memlimit command.
func EncodeCacheMemlimit(megabytes int64, noreply bool) []byte {
	var buf bytes.Buffer
	buf.WriteString("cache_memlimit ")
	buf.WriteString(strconv.FormatInt(megabytes, 10))
	if noreply {
		buf.WriteString(" noreply")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// EncodeConfigGetCluster builds the vendor-specific "config get cluster"
// command autodiscovery polls with.
func EncodeConfigGetCluster() []byte {
	return []byte("config get cluster\r\n")
}

// EncodeVerbosity builds a verbosity command.
func EncodeVerbosity(level int, noreply bool) []byte {
	var buf bytes.Buffer
	buf.WriteString("verbosity ")
	buf.WriteString(strconv.Itoa(level))
	if noreply {
		buf.WriteString(" noreply")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}
