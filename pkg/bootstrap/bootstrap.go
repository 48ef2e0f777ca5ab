// Package bootstrap parses the ip_result.txt seed file spec.md §6
// describes and loads its successful entries into test_server, a
// supplemented feature grounded in original_source/latcheck_server's
// startup sequence, which primes its target list the same way before
// accepting connections.
package bootstrap

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/roversun/latcheck/pkg/errs"
	"github.com/roversun/latcheck/pkg/models"
)

// ServerUpserter is the subset of dao.ServerDAO bootstrap needs.
type ServerUpserter interface {
	BulkUpsertActive(ctx context.Context, servers []models.TestServer) error
}

// entry is one parsed, successful line of ip_result.txt.
type entry struct {
	IPAddr      uint32
	Description string
}

// LoadFile parses path and upserts every status=success line into
// test_server(location=description, ip_addr=ip, active=true) under a
// single transaction. Lines that fail to parse are skipped with a
// logged reason rather than aborting the whole file, since a bootstrap
// seed is expected to carry stale or malformed rows across releases.
func LoadFile(ctx context.Context, path string, servers ServerUpserter) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errs.Wrap(errs.ConfigError, fmt.Errorf("opening bootstrap file: %w", err))
	}
	defer f.Close()

	entries, skipped := parse(f)
	for _, reason := range skipped {
		slog.Warn("bootstrap: skipping line", "reason", reason)
	}

	rows := make([]models.TestServer, len(entries))
	for i, e := range entries {
		rows[i] = models.TestServer{Location: e.Description, IPAddr: e.IPAddr, Active: true}
	}

	if err := servers.BulkUpsertActive(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// parse reads id, status, ip, latency, description lines and returns the
// status=success entries plus a human-readable reason for every line it
// could not use.
func parse(r *os.File) ([]entry, []string) {
	var entries []entry
	var skipped []string

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.SplitN(line, ",", 5)
		if len(fields) != 5 {
			skipped = append(skipped, fmt.Sprintf("line %d: expected 5 fields, got %d", lineNo, len(fields)))
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		if !strings.EqualFold(fields[1], "success") {
			continue
		}

		ip := net.ParseIP(fields[2]).To4()
		if ip == nil {
			skipped = append(skipped, fmt.Sprintf("line %d: invalid ip %q", lineNo, fields[2]))
			continue
		}

		if _, err := strconv.Atoi(fields[0]); err != nil {
			skipped = append(skipped, fmt.Sprintf("line %d: invalid id %q", lineNo, fields[0]))
			continue
		}

		entries = append(entries, entry{
			IPAddr:      ipToUint32(ip),
			Description: fields[4],
		})
	}

	return entries, skipped
}

func ipToUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}
