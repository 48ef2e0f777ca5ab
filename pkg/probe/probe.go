// Package probe implements the single-target ICMP echo of spec.md §4.3
// using golang.org/x/net/icmp and golang.org/x/net/ipv4 — promoted from
// an indirect dependency of the teacher's go.mod to a direct one, since
// nothing else in the retrieval pack implements raw ICMP.
package probe

import (
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/roversun/latcheck/pkg/proto"
)

const (
	payloadSize = 32
	replyTimeout = 5 * time.Second
	icmpProtoNumber = 1 // ICMP for IPv4
)

// Worker issues single ICMP echoes. It is safe for concurrent use by
// multiple coordinator shards, each opening its own ICMP socket.
type Worker struct {
	// Cancel, if non-nil, is checked before each probe and after the
	// blocking read returns, per spec.md §4.3.
	Cancel *atomic.Bool
}

func NewWorker(cancel *atomic.Bool) *Worker {
	return &Worker{Cancel: cancel}
}

func (w *Worker) cancelled() bool {
	return w.Cancel != nil && w.Cancel.Load()
}

// Probe issues one ICMP echo to ip with a 32-byte payload and a 5 s
// reply timeout. It returns (rtt, true) on a successful, matching reply,
// and (proto.MaxLatency, false) on timeout, a non-success ICMP status,
// or any resource failure — never an error, per spec.md §4.3's sentinel
// contract.
func (w *Worker) Probe(ip net.IP) (uint32, bool) {
	if w.cancelled() {
		return proto.MaxLatency, false
	}

	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return proto.MaxLatency, false
	}
	defer conn.Close()

	id := uint16(time.Now().UnixNano() & 0xffff)
	seq := uint16(1)

	payload := make([]byte, payloadSize)
	copy(payload, "latcheck-icmp-probe-payload-32b")

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(id),
			Seq:  int(seq),
			Data: payload,
		},
	}
	wireBytes, err := msg.Marshal(nil)
	if err != nil {
		return proto.MaxLatency, false
	}

	start := time.Now()
	if _, err := conn.WriteTo(wireBytes, &net.IPAddr{IP: ip}); err != nil {
		return proto.MaxLatency, false
	}

	if err := conn.SetReadDeadline(time.Now().Add(replyTimeout)); err != nil {
		return proto.MaxLatency, false
	}

	readBuf := make([]byte, 1500)
	for {
		if w.cancelled() {
			return proto.MaxLatency, false
		}
		n, peer, err := conn.ReadFrom(readBuf)
		if err != nil {
			return proto.MaxLatency, false
		}
		if w.cancelled() {
			return proto.MaxLatency, false
		}
		if peerIP, ok := peer.(*net.IPAddr); !ok || !peerIP.IP.Equal(ip) {
			continue
		}
		reply, err := icmp.ParseMessage(icmpProtoNumber, readBuf[:n])
		if err != nil {
			continue
		}
		if reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.ID != int(id) {
			continue
		}
		rtt := time.Since(start).Milliseconds()
		if rtt < 0 {
			rtt = 0
		}
		if rtt >= int64(proto.MaxLatency) {
			return proto.MaxLatency, false
		}
		return uint32(rtt), true
	}
}
