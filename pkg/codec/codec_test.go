package codec

import (
	"testing"

	"github.com/roversun/latcheck/pkg/proto"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name       string
		msgType    proto.MsgType
		dataLength uint32
	}{
		{"login request", proto.LoginRequest, 64},
		{"list response", proto.ListResponse, 0},
		{"report fail", proto.ReportFail, 4},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := EncodeHeader(c.msgType, c.dataLength)
			h, needMore, err := DecodeHeader(buf)
			if err != nil {
				t.Fatalf("DecodeHeader: %v", err)
			}
			if needMore {
				t.Fatalf("unexpected needMore")
			}
			if h.MsgType != c.msgType || h.DataLength != c.dataLength {
				t.Fatalf("got %+v, want type=%v length=%d", h, c.msgType, c.dataLength)
			}
		})
	}
}

func TestDecodeHeaderNeedsMore(t *testing.T) {
	buf := EncodeHeader(proto.LoginRequest, 64)
	for i := 0; i < proto.HeaderLen; i++ {
		_, needMore, err := DecodeHeader(buf[:i])
		if err != nil {
			t.Fatalf("unexpected error at prefix %d: %v", i, err)
		}
		if !needMore {
			t.Fatalf("expected needMore at prefix length %d", i)
		}
	}
}

func TestDecodeHeaderRejectsUnknownType(t *testing.T) {
	buf := EncodeHeader(proto.MsgType(0x00ff), 0)
	_, _, err := DecodeHeader(buf)
	if err == nil {
		t.Fatalf("expected error for unrecognized msg_type")
	}
}

func TestDecodeHeaderRejectsOversizeLength(t *testing.T) {
	buf := EncodeHeader(proto.LoginRequest, 2*proto.MaxDataLength)
	_, _, err := DecodeHeader(buf)
	if err == nil {
		t.Fatalf("expected error for oversize data_length")
	}
}

func TestLoginRequestRoundTrip(t *testing.T) {
	payload, err := EncodeLoginRequest("alice", "hunter2")
	if err != nil {
		t.Fatalf("EncodeLoginRequest: %v", err)
	}
	if len(payload) != 64 {
		t.Fatalf("payload length = %d, want 64", len(payload))
	}
	got, err := DecodeLoginRequest(payload)
	if err != nil {
		t.Fatalf("DecodeLoginRequest: %v", err)
	}
	if got.Username != "alice" || got.Password != "hunter2" {
		t.Fatalf("got %+v", got)
	}
}

func TestLoginRequestRejectsOverlongField(t *testing.T) {
	_, err := EncodeLoginRequest("this-username-is-far-too-long-for-the-field", "pw")
	if err == nil {
		t.Fatalf("expected error for overlong username")
	}
}

func TestListResponseRoundTrip(t *testing.T) {
	entries := []proto.ServerEntry{
		{ServerID: 1, IPAddr: 0xC0A80164},
		{ServerID: 2, IPAddr: 0xC0A80165},
	}
	payload := EncodeListResponse(entries)
	got, err := DecodeListResponse(payload)
	if err != nil {
		t.Fatalf("DecodeListResponse: %v", err)
	}
	if len(got.Servers) != 2 || got.Servers[0] != entries[0] || got.Servers[1] != entries[1] {
		t.Fatalf("got %+v", got.Servers)
	}
}

func TestReportRequestRoundTrip(t *testing.T) {
	records := []proto.ReportRecordEntry{
		{ServerID: 1, Latency: 27},
		{ServerID: 2, Latency: proto.MaxLatency},
	}
	payload, err := EncodeReportRequest("lab", records)
	if err != nil {
		t.Fatalf("EncodeReportRequest: %v", err)
	}
	got, err := DecodeReportRequest(payload)
	if err != nil {
		t.Fatalf("DecodeReportRequest: %v", err)
	}
	if got.Location != "lab" || len(got.Records) != 2 || got.Records[1].Latency != proto.MaxLatency {
		t.Fatalf("got %+v", got)
	}
}

func TestTryDecodeFrameNeedsMoreLeavesBufferUntouched(t *testing.T) {
	full, err := EncodeReportRequest("lab", []proto.ReportRecordEntry{{ServerID: 1, Latency: 5}})
	if err != nil {
		t.Fatal(err)
	}
	frameBytes := append(EncodeHeader(proto.ReportRequest, uint32(len(full))), full...)

	for i := 0; i < len(frameBytes); i++ {
		prefix := append([]byte(nil), frameBytes[:i]...)
		_, consumed, needMore, err := TryDecodeFrame(prefix)
		if err != nil {
			t.Fatalf("unexpected error at prefix %d: %v", i, err)
		}
		if !needMore || consumed != 0 {
			t.Fatalf("prefix %d: expected needMore with consumed=0, got needMore=%v consumed=%d", i, needMore, consumed)
		}
	}

	frame, consumed, needMore, err := TryDecodeFrame(frameBytes)
	if err != nil {
		t.Fatalf("TryDecodeFrame: %v", err)
	}
	if needMore {
		t.Fatalf("unexpected needMore on full frame")
	}
	if consumed != len(frameBytes) {
		t.Fatalf("consumed = %d, want %d", consumed, len(frameBytes))
	}
	payload, ok := frame.Payload.(proto.ReportRequestPayload)
	if !ok {
		t.Fatalf("payload type = %T", frame.Payload)
	}
	if payload.Location != "lab" || len(payload.Records) != 1 {
		t.Fatalf("got %+v", payload)
	}
}

func TestTryDecodeFrameHandlesTrailingBytes(t *testing.T) {
	buf := EncodeHeader(proto.ListRequest, 0)
	buf = append(buf, EncodeHeader(proto.ListRequest, 0)...)

	frame, consumed, needMore, err := TryDecodeFrame(buf)
	if err != nil || needMore {
		t.Fatalf("first frame: err=%v needMore=%v", err, needMore)
	}
	if frame.Header.MsgType != proto.ListRequest || consumed != proto.HeaderLen {
		t.Fatalf("got %+v consumed=%d", frame, consumed)
	}

	rest := buf[consumed:]
	frame2, consumed2, needMore, err := TryDecodeFrame(rest)
	if err != nil || needMore {
		t.Fatalf("second frame: err=%v needMore=%v", err, needMore)
	}
	if frame2.Header.MsgType != proto.ListRequest || consumed2 != proto.HeaderLen {
		t.Fatalf("got %+v consumed=%d", frame2, consumed2)
	}
}
