// Package binaryauth implements just enough of the memcached binary
// protocol to perform a SASL PLAIN handshake: the text protocol has no
// auth frames of its own, so authentication borrows the binary protocol's
// request/response header and SASL opcodes.
package binaryauth

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/emcache-go/emcache/errs"
)

const (
	reqMagic = 0x80
	resMagic = 0x81
	hdrLen   = 24
)

type opcode uint8

const (
	opSaslAuth opcode = 0x21
	opSaslStep opcode = 0x22
)

// Status is a binary-protocol response status relevant to SASL auth.
type Status uint16

const (
	StatusSuccess     Status = 0x00
	StatusAuthFail    Status = 0x20
	StatusFurtherAuth Status = 0x21
)

const mechanism = "PLAIN"

// PlainAuthPayload builds the SASL PLAIN payload: "\x00<user>\x00<pass>".
func PlainAuthPayload(user, pass string) []byte {
	return []byte(fmt.Sprintf("\x00%s\x00%s", user, pass))
}

// frame is a minimal binary-protocol request/response, request and
// response framing share the same 24-byte header shape.
type frame struct {
	opcode opcode
	status Status
	key    []byte
	body   []byte
}

func (f *frame) writeRequest(w io.Writer) error {
	data := make([]byte, hdrLen+len(f.key)+len(f.body))
	data[0] = reqMagic
	data[1] = byte(f.opcode)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(f.key)))
	binary.BigEndian.PutUint32(data[8:12], uint32(len(f.key)+len(f.body)))
	copy(data[hdrLen:], f.key)
	copy(data[hdrLen+len(f.key):], f.body)
	_, err := w.Write(data)
	return err
}

func readResponse(r io.Reader) (*frame, error) {
	hdr := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != resMagic {
		return nil, fmt.Errorf("binaryauth: bad magic 0x%02x", hdr[0])
	}

	klen := int(binary.BigEndian.Uint16(hdr[2:4]))
	bodyTotal := int(binary.BigEndian.Uint32(hdr[8:12]))

	payload := make([]byte, bodyTotal)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return &frame{
		opcode: opcode(hdr[1]),
		status: Status(binary.BigEndian.Uint16(hdr[6:8])),
		key:    payload[:klen],
		body:   payload[klen:],
	}, nil
}

// AuthenticatePlain runs the SASL PLAIN handshake over rw: a binary-protocol
// SASL_AUTH request whose key is the mechanism name "PLAIN" and whose body
// is the PLAIN payload (and a SASL_STEP if the server asks for a further
// round). No text-protocol "set" is sent. Returns nil on success.
func AuthenticatePlain(rw io.ReadWriter, user, pass string) error {
	req := &frame{opcode: opSaslAuth, key: []byte(mechanism), body: PlainAuthPayload(user, pass)}
	if err := req.writeRequest(rw); err != nil {
		return fmt.Errorf("binaryauth: write SASL_AUTH: %w: %w", errs.ConnectionFailure, err)
	}

	resp, err := readResponse(rw)
	if err != nil {
		return fmt.Errorf("binaryauth: read SASL_AUTH response: %w: %w", errs.ConnectionFailure, err)
	}
	if resp.status == StatusSuccess {
		return nil
	}
	if resp.status != StatusFurtherAuth {
		return fmt.Errorf("binaryauth: SASL_AUTH failed: status 0x%02x: %s: %w", resp.status, resp.body, errs.ConnectionFailure)
	}

	step := &frame{opcode: opSaslStep, key: []byte(mechanism), body: resp.body}
	if err := step.writeRequest(rw); err != nil {
		return fmt.Errorf("binaryauth: write SASL_STEP: %w: %w", errs.ConnectionFailure, err)
	}
	stepResp, err := readResponse(rw)
	if err != nil {
		return fmt.Errorf("binaryauth: read SASL_STEP response: %w: %w", errs.ConnectionFailure, err)
	}
	if stepResp.status != StatusSuccess {
		return fmt.Errorf("binaryauth: SASL_STEP failed: status 0x%02x: %s: %w", stepResp.status, stepResp.body, errs.ConnectionFailure)
	}
	return nil
}
