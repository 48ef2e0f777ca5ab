package probe

import (
	"net"
	"sync/atomic"
	"testing"

	"github.com/roversun/latcheck/pkg/proto"
)

// TestProbeCancelledBeforeSend verifies the worker checks its
// cancellation flag before ever touching the network, per spec.md §4.3's
// "workers check a shared cancellation flag before each probe" clause.
// Actual ICMP round trips need CAP_NET_RAW and a reachable target, so
// they are not exercised in this unit test.
func TestProbeCancelledBeforeSend(t *testing.T) {
	var cancel atomic.Bool
	cancel.Store(true)

	w := NewWorker(&cancel)
	latency, ok := w.Probe(net.ParseIP("127.0.0.1"))

	if ok {
		t.Fatalf("expected cancelled probe to report failure")
	}
	if latency != proto.MaxLatency {
		t.Fatalf("latency = %d, want sentinel %d", latency, proto.MaxLatency)
	}
}
