// Package codec serializes and deserializes latcheck wire frames:
// header ∥ payload, big-endian integers, NUL-padded fixed string fields.
//
// Decode never returns a partial payload. When the buffer holds fewer
// bytes than a full frame it reports needMore and leaves every byte in
// place for the caller to append to on the next read.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/roversun/latcheck/pkg/errs"
	"github.com/roversun/latcheck/pkg/proto"
)

// Frame is a fully decoded header+payload pair. Payload holds one of the
// proto.*Payload types, or nil for empty-payload message types.
type Frame struct {
	Header  proto.Header
	Payload any
}

// EncodeHeader writes the 8-byte big-endian header.
func EncodeHeader(msgType proto.MsgType, dataLength uint32) []byte {
	buf := make([]byte, proto.HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgType))
	binary.BigEndian.PutUint32(buf[4:8], dataLength)
	return buf
}

// DecodeHeader parses the first 8 bytes of buf. Returns needMore if buf is
// shorter than proto.HeaderLen.
func DecodeHeader(buf []byte) (h proto.Header, needMore bool, err error) {
	if len(buf) < proto.HeaderLen {
		return proto.Header{}, true, nil
	}
	h.MsgType = proto.MsgType(binary.BigEndian.Uint32(buf[0:4]))
	h.DataLength = binary.BigEndian.Uint32(buf[4:8])
	if !h.MsgType.IsRecognized() {
		return h, false, errs.New(errs.InvalidParameter, fmt.Sprintf("unrecognized msg_type %#x", uint32(h.MsgType)))
	}
	if h.DataLength > proto.MaxDataLength {
		return h, false, errs.New(errs.InvalidParameter, fmt.Sprintf("data_length %d exceeds max %d", h.DataLength, proto.MaxDataLength))
	}
	return h, false, nil
}

// EncodeLoginRequest builds the LOGIN_REQUEST payload: two 32-byte
// NUL-padded fields.
func EncodeLoginRequest(username, password string) ([]byte, error) {
	u, err := padField(username, 32)
	if err != nil {
		return nil, err
	}
	p, err := padField(password, 32)
	if err != nil {
		return nil, err
	}
	return append(u, p...), nil
}

func DecodeLoginRequest(payload []byte) (proto.LoginRequestPayload, error) {
	if len(payload) != 64 {
		return proto.LoginRequestPayload{}, errs.New(errs.InvalidParameter, "login payload must be 64 bytes")
	}
	username, err := unpadField(payload[0:32])
	if err != nil {
		return proto.LoginRequestPayload{}, err
	}
	password, err := unpadField(payload[32:64])
	if err != nil {
		return proto.LoginRequestPayload{}, err
	}
	return proto.LoginRequestPayload{Username: username, Password: password}, nil
}

// EncodeResult builds the 4-byte result_code payload shared by
// LOGIN_OK/LOGIN_FAIL/REPORT_OK/REPORT_FAIL.
func EncodeResult(code uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, code)
	return buf
}

func DecodeResult(payload []byte) (proto.ResultPayload, error) {
	if len(payload) != 4 {
		return proto.ResultPayload{}, errs.New(errs.InvalidParameter, "result payload must be 4 bytes")
	}
	return proto.ResultPayload{ResultCode: binary.BigEndian.Uint32(payload)}, nil
}

// EncodeListResponse builds count ∥ (server_id, ip_addr)×count.
func EncodeListResponse(entries []proto.ServerEntry) []byte {
	buf := make([]byte, 4+8*len(entries))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		binary.BigEndian.PutUint32(buf[off:off+4], e.ServerID)
		binary.BigEndian.PutUint32(buf[off+4:off+8], e.IPAddr)
		off += 8
	}
	return buf
}

func DecodeListResponse(payload []byte) (proto.ListResponsePayload, error) {
	if len(payload) < 4 {
		return proto.ListResponsePayload{}, errs.New(errs.InvalidParameter, "list response too short")
	}
	count := binary.BigEndian.Uint32(payload[0:4])
	want := 4 + 8*int(count)
	if len(payload) != want {
		return proto.ListResponsePayload{}, errs.New(errs.InvalidParameter, "list response count mismatch")
	}
	entries := make([]proto.ServerEntry, count)
	off := 4
	for i := range entries {
		entries[i].ServerID = binary.BigEndian.Uint32(payload[off : off+4])
		entries[i].IPAddr = binary.BigEndian.Uint32(payload[off+4 : off+8])
		off += 8
	}
	return proto.ListResponsePayload{Servers: entries}, nil
}

// EncodeReportRequest builds location[128] ∥ count ∥ (server_id, latency)×count.
func EncodeReportRequest(location string, records []proto.ReportRecordEntry) ([]byte, error) {
	loc, err := padField(location, 128)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 128+4+8*len(records))
	copy(buf[0:128], loc)
	binary.BigEndian.PutUint32(buf[128:132], uint32(len(records)))
	off := 132
	for _, r := range records {
		binary.BigEndian.PutUint32(buf[off:off+4], r.ServerID)
		binary.BigEndian.PutUint32(buf[off+4:off+8], r.Latency)
		off += 8
	}
	return buf, nil
}

func DecodeReportRequest(payload []byte) (proto.ReportRequestPayload, error) {
	if len(payload) < 132 {
		return proto.ReportRequestPayload{}, errs.New(errs.InvalidParameter, "report request too short")
	}
	location, err := unpadField(payload[0:128])
	if err != nil {
		return proto.ReportRequestPayload{}, err
	}
	count := binary.BigEndian.Uint32(payload[128:132])
	want := 132 + 8*int(count)
	if len(payload) != want {
		return proto.ReportRequestPayload{}, errs.New(errs.InvalidParameter, "report request count mismatch")
	}
	records := make([]proto.ReportRecordEntry, count)
	off := 132
	for i := range records {
		records[i].ServerID = binary.BigEndian.Uint32(payload[off : off+4])
		records[i].Latency = binary.BigEndian.Uint32(payload[off+4 : off+8])
		off += 8
	}
	return proto.ReportRequestPayload{Location: location, Records: records}, nil
}

// TryDecodeFrame attempts to parse one full frame from the head of buf.
// On success it returns the frame and the number of bytes consumed. If
// buf holds fewer bytes than the frame needs it returns needMore=true and
// consumed=0, leaving buf untouched.
func TryDecodeFrame(buf []byte) (frame Frame, consumed int, needMore bool, err error) {
	h, needMore, err := DecodeHeader(buf)
	if err != nil || needMore {
		return Frame{}, 0, needMore, err
	}
	total := proto.HeaderLen + int(h.DataLength)
	if len(buf) < total {
		return Frame{}, 0, true, nil
	}
	payloadBytes := buf[proto.HeaderLen:total]

	var payload any
	switch h.MsgType {
	case proto.LoginRequest:
		payload, err = DecodeLoginRequest(payloadBytes)
	case proto.LoginOK, proto.LoginFail, proto.ReportOK, proto.ReportFail:
		payload, err = DecodeResult(payloadBytes)
	case proto.ListRequest:
		if len(payloadBytes) != 0 {
			err = errs.New(errs.InvalidParameter, "list request must be empty")
		}
	case proto.ListResponse:
		payload, err = DecodeListResponse(payloadBytes)
	case proto.ReportRequest:
		payload, err = DecodeReportRequest(payloadBytes)
	}
	if err != nil {
		return Frame{}, 0, false, err
	}
	return Frame{Header: h, Payload: payload}, total, false, nil
}

func padField(s string, width int) ([]byte, error) {
	b := []byte(s)
	if len(b) >= width {
		return nil, errs.New(errs.InvalidParameter, fmt.Sprintf("field exceeds %d bytes", width))
	}
	buf := make([]byte, width)
	copy(buf, b)
	return buf, nil
}

// unpadField requires the field to be NUL-terminated within its buffer,
// per the codec's validation contract.
func unpadField(b []byte) (string, error) {
	idx := bytes.IndexByte(b, 0)
	if idx == -1 {
		return "", errs.New(errs.InvalidParameter, "field not NUL-terminated")
	}
	return string(b[:idx]), nil
}
