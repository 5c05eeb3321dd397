package protocol

import (
	"bufio"
	"bytes"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeStorageAndCas(t *testing.T) {
	got := EncodeStorage(CmdSet, []byte("foo"), 7, 0, []byte("bar"), 0, false)
	assert.Equal(t, "set foo 7 0 3\r\nbar\r\n", string(got))

	got = EncodeStorage(CmdCas, []byte("foo"), 0, 0, []byte("v2"), 42, true)
	assert.Equal(t, "cas foo 0 0 2 42 noreply\r\nv2\r\n", string(got))
}

func TestEncodeRetrievalMultiKey(t *testing.T) {
	got := EncodeRetrieval(true, []byte("a"), []byte("b"))
	assert.Equal(t, "gets a b\r\n", string(got))
}

func TestReadRetrievalSingleItem(t *testing.T) {
	raw := "VALUE foo 7 3\r\nbar\r\nEND\r\n"
	r := bufio.NewReader(bytes.NewBufferString(raw))

	items, err := ReadRetrieval(r, false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "foo", string(items[0].Key))
	assert.Equal(t, "bar", string(items[0].Value))
	assert.EqualValues(t, 7, items[0].Flags)
}

func TestReadRetrievalWithCasAndEmbeddedCRLF(t *testing.T) {
	payload := "li\r\nne"
	raw := "VALUE foo 0 6 99\r\n" + payload + "\r\nEND\r\n"
	r := bufio.NewReader(bytes.NewBufferString(raw))

	items, err := ReadRetrieval(r, true)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, payload, string(items[0].Value))
	assert.EqualValues(t, 99, items[0].Cas)
}

func TestReadRetrievalEmpty(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("END\r\n"))
	items, err := ReadRetrieval(r, false)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestReadStatusLineProtocolError(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("CLIENT_ERROR bad command line format\r\n"))
	_, err := ReadStatusLine(r)
	require.Error(t, err)

	var pErr *ProtocolError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, prefixClientErr, pErr.Kind)
}

func TestReadCounterReplyNotFound(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("NOT_FOUND\r\n"))
	_, found, err := ReadCounterReply(r)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadCounterReplyValue(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("13\r\n"))
	v, found, err := ReadCounterReply(r)
	require.NoError(t, err)
	assert.True(t, found)
	assert.EqualValues(t, 13, v)
}

func TestReadStatsBlock(t *testing.T) {
	raw := "STAT pid 123\r\nSTAT uptime 456\r\nEND\r\n"
	r := bufio.NewReader(bytes.NewBufferString(raw))

	block, err := ReadStatsBlock(r)
	require.NoError(t, err)

	m := ParseStatsBlock(block)
	assert.Equal(t, "123", m["pid"])
	assert.Equal(t, "456", m["uptime"])
}

func TestReadConfigBlock(t *testing.T) {
	payload := "12\nhost-a|10.0.0.1|11211 host-b|10.0.0.2|11211\n"
	raw := "CONFIG cluster 0 " + strconv.Itoa(len(payload)) + "\r\n" + payload + "\r\nEND\r\n"
	r := bufio.NewReader(bytes.NewBufferString(raw))

	got, err := ReadConfigBlock(r)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestValidKey(t *testing.T) {
	assert.True(t, ValidKey([]byte("foo")))
	assert.False(t, ValidKey([]byte("")))
	assert.False(t, ValidKey([]byte("has space")))
	assert.False(t, ValidKey([]byte("has\ttab")))
	assert.False(t, ValidKey(bytes.Repeat([]byte("a"), 251)))
}

func TestReadReplyPipelineOrder(t *testing.T) {
	raw := "VERSION 1.6.0\r\n" +
		"END\r\n" +
		"STORED\r\n" +
		"VALUE k 0 1\r\nv\r\nEND\r\n" +
		"DELETED\r\n"
	r := bufio.NewReader(bytes.NewBufferString(raw))

	kinds := []ReplyKind{ReplyVersion, ReplyRetrieval, ReplyStatus, ReplyRetrieval, ReplyStatus}
	var got []Reply
	for _, k := range kinds {
		got = append(got, ReadReply(r, k, false))
	}

	require.Len(t, got, 5)
	assert.Equal(t, "1.6.0", got[0].Version)
	assert.Empty(t, got[1].Items)
	assert.Equal(t, StatusStored, got[2].Status)
	require.Len(t, got[3].Items, 1)
	assert.Equal(t, "v", string(got[3].Items[0].Value))
	assert.Equal(t, StatusDeleted, got[4].Status)
}
