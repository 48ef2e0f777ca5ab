package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/roversun/latcheck/pkg/errs"
	"github.com/roversun/latcheck/pkg/models"
)

type fakeUpserter struct {
	rows []models.TestServer
	err  error
}

func (f *fakeUpserter) BulkUpsertActive(_ context.Context, servers []models.TestServer) error {
	if f.err != nil {
		return f.err
	}
	f.rows = servers
	return nil
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ip_result.txt")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestLoadFileUpsertsOnlySuccessRows(t *testing.T) {
	path := writeFile(t, ""+
		"1, success, 10.0.0.1, 20, sfo-1\n"+
		"2, failed, 10.0.0.2, 0, nyc-1\n"+
		"3, SUCCESS, 10.0.0.3, 15, lon-1\n")

	up := &fakeUpserter{}
	n, err := LoadFile(context.Background(), path, up)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if n != 2 {
		t.Fatalf("got %d rows, want 2", n)
	}
	if len(up.rows) != 2 {
		t.Fatalf("upserted %d rows, want 2", len(up.rows))
	}
	if up.rows[0].Location != "sfo-1" || up.rows[0].IPAddr != 0x0a000001 {
		t.Fatalf("row 0 = %+v", up.rows[0])
	}
	if !up.rows[0].Active || !up.rows[1].Active {
		t.Fatalf("expected upserted rows to be active")
	}
}

func TestLoadFileSkipsMalformedLines(t *testing.T) {
	path := writeFile(t, ""+
		"# comment\n"+
		"\n"+
		"1, success, not-an-ip, 20, sfo-1\n"+
		"2, success, 10.0.0.2\n"+
		"3, success, 10.0.0.3, 15, nyc-1\n")

	up := &fakeUpserter{}
	n, err := LoadFile(context.Background(), path, up)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d rows, want 1", n)
	}
	if up.rows[0].Location != "nyc-1" {
		t.Fatalf("row = %+v", up.rows[0])
	}
}

func TestLoadFileMissingFileReturnsConfigError(t *testing.T) {
	up := &fakeUpserter{}
	_, err := LoadFile(context.Background(), "/nonexistent/ip_result.txt", up)
	if err == nil {
		t.Fatalf("expected an error for a missing file")
	}
	if errs.CodeOf(err) != errs.ConfigError {
		t.Fatalf("got code %d, want ConfigError", errs.CodeOf(err))
	}
}
