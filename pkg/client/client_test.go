package client

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"testing"

	"github.com/roversun/latcheck/pkg/codec"
	"github.com/roversun/latcheck/pkg/coordinator"
	"github.com/roversun/latcheck/pkg/errs"
	"github.com/roversun/latcheck/pkg/proto"
)

func newTestOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg}
}

func serverReadFrame(t *testing.T, conn net.Conn) (proto.MsgType, []byte) {
	t.Helper()
	header := make([]byte, proto.HeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h, _, err := codec.DecodeHeader(header)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	body := make([]byte, h.DataLength)
	if h.DataLength > 0 {
		if _, err := io.ReadFull(conn, body); err != nil {
			t.Fatalf("read body: %v", err)
		}
	}
	return h.MsgType, body
}

func serverWriteFrame(t *testing.T, conn net.Conn, msgType proto.MsgType, payload []byte) {
	t.Helper()
	header := codec.EncodeHeader(msgType, uint32(len(payload)))
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			t.Fatalf("write payload: %v", err)
		}
	}
}

func TestOrchestratorLoginSuccess(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	o := newTestOrchestrator(Config{Username: "alice", Password: "hunter2"})

	go func() {
		msgType, body := serverReadFrame(t, server)
		if msgType != proto.LoginRequest {
			t.Errorf("got msg type %s, want LOGIN_REQUEST", msgType)
		}
		payload, err := codec.DecodeLoginRequest(body)
		if err != nil || payload.Username != "alice" {
			t.Errorf("decoded login payload = %+v, err=%v", payload, err)
		}
		serverWriteFrame(t, server, proto.LoginOK, codec.EncodeResult(0))
	}()

	if err := o.login(client); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func TestOrchestratorLoginFailurePropagatesCode(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	o := newTestOrchestrator(Config{Username: "alice", Password: "wrong"})

	go func() {
		serverReadFrame(t, server)
		serverWriteFrame(t, server, proto.LoginFail, codec.EncodeResult(uint32(errs.InvalidPassword)))
	}()

	err := o.login(client)
	if err == nil {
		t.Fatalf("expected login to fail")
	}
	if errs.CodeOf(err) != errs.InvalidPassword {
		t.Fatalf("got code %d, want %d", errs.CodeOf(err), errs.InvalidPassword)
	}
}

func TestOrchestratorLoginDialsAndClosesWithoutProbing(t *testing.T) {
	server, clientConn := net.Pipe()
	defer server.Close()

	o := newTestOrchestrator(Config{Username: "alice", Password: "hunter2"})
	o.dial = func(_ context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
		return clientConn, nil
	}

	go func() {
		msgType, body := serverReadFrame(t, server)
		if msgType != proto.LoginRequest {
			t.Errorf("got msg type %s, want LOGIN_REQUEST", msgType)
		}
		payload, err := codec.DecodeLoginRequest(body)
		if err != nil || payload.Username != "alice" {
			t.Errorf("decoded login payload = %+v, err=%v", payload, err)
		}
		serverWriteFrame(t, server, proto.LoginOK, codec.EncodeResult(0))
	}()

	if err := o.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	buf := make([]byte, 1)
	if _, err := server.Read(buf); err == nil {
		t.Fatalf("expected Login to close the connection after the login exchange")
	}
}

func TestOrchestratorList(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	o := newTestOrchestrator(Config{})

	go func() {
		msgType, body := serverReadFrame(t, server)
		if msgType != proto.ListRequest || len(body) != 0 {
			t.Errorf("got msg type %s, len(body)=%d, want empty LIST_REQUEST", msgType, len(body))
		}
		resp := codec.EncodeListResponse([]proto.ServerEntry{
			{ServerID: 1, IPAddr: 0x7f000001},
			{ServerID: 2, IPAddr: 0x7f000002},
		})
		serverWriteFrame(t, server, proto.ListResponse, resp)
	}()

	targets, err := o.list(client)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(targets) != 2 || targets[0].ServerID != 1 || targets[1].IPAddr != 0x7f000002 {
		t.Fatalf("targets = %+v", targets)
	}
}

func TestOrchestratorReportIncludesSentinelLatencies(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	o := newTestOrchestrator(Config{Location: "office"})

	results := []coordinator.Result{
		{ServerID: 1, IPAddr: 0x7f000001, Latency: 42},
		{ServerID: 2, IPAddr: 0x7f000002, Latency: proto.MaxLatency},
	}

	go func() {
		msgType, body := serverReadFrame(t, server)
		if msgType != proto.ReportRequest {
			t.Errorf("got msg type %s, want REPORT_REQUEST", msgType)
		}
		payload, err := codec.DecodeReportRequest(body)
		if err != nil {
			t.Errorf("decode report request: %v", err)
			return
		}
		if payload.Location != "office" || len(payload.Records) != 2 {
			t.Errorf("payload = %+v", payload)
			return
		}
		if payload.Records[1].Latency != proto.MaxLatency {
			t.Errorf("expected sentinel latency to be reported as a regular record, got %d", payload.Records[1].Latency)
		}
		serverWriteFrame(t, server, proto.ReportOK, codec.EncodeResult(0))
	}()

	if err := o.report(client, results); err != nil {
		t.Fatalf("report: %v", err)
	}
}
