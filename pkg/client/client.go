// Package client implements the probing agent's orchestration sequence
// of spec.md §4.10: dial and handshake, authenticate, fetch the target
// list, run the probe coordinator, and upload a report.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/roversun/latcheck/pkg/codec"
	"github.com/roversun/latcheck/pkg/coordinator"
	"github.com/roversun/latcheck/pkg/errs"
	"github.com/roversun/latcheck/pkg/proto"
)

// Config carries the parameters spec.md §6 lists under
// "Configuration (client)".
type Config struct {
	ServerAddr string
	Username   string
	Password   string
	Location   string
	Workers    int
}

// Orchestrator drives one login→list→probe→report run over a single
// TLS connection.
type Orchestrator struct {
	cfg       Config
	tlsConfig *tls.Config
	dial      func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error)
}

func New(cfg Config, tlsConfig *tls.Config) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		tlsConfig: tlsConfig,
		dial: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			dialer := &tls.Dialer{Config: cfg}
			return dialer.DialContext(ctx, network, addr)
		},
	}
}

// Run executes one full orchestration pass and returns the probe results
// that were reported, in the order the coordinator emitted them.
func (o *Orchestrator) Run(ctx context.Context) ([]coordinator.Result, error) {
	conn, err := o.dial(ctx, "tcp", o.cfg.ServerAddr, o.tlsConfig)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkError, fmt.Errorf("dialing %s: %w", o.cfg.ServerAddr, err))
	}
	defer conn.Close()

	if err := o.login(conn); err != nil {
		return nil, err
	}

	targets, err := o.list(conn)
	if err != nil {
		return nil, err
	}

	c := coordinator.New(targets, o.cfg.Workers)
	results := c.Run()

	if err := o.report(conn, results); err != nil {
		return nil, err
	}

	return results, nil
}

// Login dials the server and runs the login exchange only, without
// fetching targets, probing, or reporting. It exists for the "latcheck
// login" subcommand of spec.md A.1, which lets an operator verify stored
// credentials without triggering a full probe run.
func (o *Orchestrator) Login(ctx context.Context) error {
	conn, err := o.dial(ctx, "tcp", o.cfg.ServerAddr, o.tlsConfig)
	if err != nil {
		return errs.Wrap(errs.NetworkError, fmt.Errorf("dialing %s: %w", o.cfg.ServerAddr, err))
	}
	defer conn.Close()

	return o.login(conn)
}

func (o *Orchestrator) login(conn net.Conn) error {
	payload, err := codec.EncodeLoginRequest(o.cfg.Username, o.cfg.Password)
	if err != nil {
		return errs.Wrap(errs.InvalidParameter, err)
	}
	if err := writeFrame(conn, proto.LoginRequest, payload); err != nil {
		return err
	}

	msgType, body, err := readFrame(conn)
	if err != nil {
		return err
	}
	if msgType != proto.LoginOK {
		result, decodeErr := codec.DecodeResult(body)
		if decodeErr != nil {
			return errs.New(errs.InvalidData, "malformed login response")
		}
		return errs.New(errs.Code(result.ResultCode), "login rejected")
	}
	return nil
}

func (o *Orchestrator) list(conn net.Conn) ([]coordinator.Target, error) {
	if err := writeFrame(conn, proto.ListRequest, nil); err != nil {
		return nil, err
	}

	msgType, body, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	if msgType != proto.ListResponse {
		return nil, errs.New(errs.InvalidData, "expected LIST_RESPONSE")
	}

	list, err := codec.DecodeListResponse(body)
	if err != nil {
		return nil, err
	}

	targets := make([]coordinator.Target, len(list.Servers))
	for i, entry := range list.Servers {
		targets[i] = coordinator.Target{ServerID: entry.ServerID, IPAddr: entry.IPAddr}
	}
	return targets, nil
}

// report uploads sentinel and successful latencies alike, per spec.md
// §4.10's "probe failures do not abort the run" policy — every target
// yields exactly one record regardless of outcome.
func (o *Orchestrator) report(conn net.Conn, results []coordinator.Result) error {
	records := make([]proto.ReportRecordEntry, len(results))
	for i, r := range results {
		records[i] = proto.ReportRecordEntry{ServerID: r.ServerID, Latency: r.Latency}
	}

	payload, err := codec.EncodeReportRequest(o.cfg.Location, records)
	if err != nil {
		return errs.Wrap(errs.InvalidParameter, err)
	}
	if err := writeFrame(conn, proto.ReportRequest, payload); err != nil {
		return err
	}

	msgType, body, err := readFrame(conn)
	if err != nil {
		return err
	}
	if msgType != proto.ReportOK {
		result, decodeErr := codec.DecodeResult(body)
		if decodeErr != nil {
			return errs.New(errs.InvalidData, "malformed report response")
		}
		return errs.New(errs.Code(result.ResultCode), "report rejected")
	}

	slog.Info("client: report accepted", "records", len(records))
	return nil
}

func writeFrame(conn net.Conn, msgType proto.MsgType, payload []byte) error {
	header := codec.EncodeHeader(msgType, uint32(len(payload)))
	if _, err := conn.Write(header); err != nil {
		return errs.Wrap(errs.NetworkError, err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := conn.Write(payload); err != nil {
		return errs.Wrap(errs.NetworkError, err)
	}
	return nil
}

// readFrame reads exactly one frame off conn, blocking until the header
// and full payload have arrived.
func readFrame(conn net.Conn) (proto.MsgType, []byte, error) {
	header := make([]byte, proto.HeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, errs.Wrap(errs.NetworkError, err)
	}
	h, _, err := codec.DecodeHeader(header)
	if err != nil {
		return 0, nil, err
	}
	body := make([]byte, h.DataLength)
	if h.DataLength > 0 {
		if _, err := io.ReadFull(conn, body); err != nil {
			return 0, nil, errs.Wrap(errs.NetworkError, err)
		}
	}
	return h.MsgType, body, nil
}
