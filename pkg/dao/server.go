package dao

import (
	"context"

	"github.com/roversun/latcheck/pkg/dbpool"
	"github.com/roversun/latcheck/pkg/errs"
	"github.com/roversun/latcheck/pkg/models"
)

// ServerDAO implements the test_server operations of spec.md §4.6.
type ServerDAO struct {
	pool *dbpool.Pool
}

func NewServerDAO(pool *dbpool.Pool) *ServerDAO {
	return &ServerDAO{pool: pool}
}

// GetActiveServers returns all active=true rows, ordered by server_id.
func (d *ServerDAO) GetActiveServers(ctx context.Context) ([]models.TestServer, error) {
	conn, err := d.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var servers []models.TestServer
	err = conn.Bun().NewSelect().
		Model(&servers).
		Where("active = ?", true).
		OrderExpr("server_id ASC").
		Scan(ctx)
	if err != nil {
		conn.Invalidate()
		return nil, errs.Wrap(errs.QueryFailed, err)
	}
	return servers, nil
}

// AddServer upserts a row keyed on location, replacing ip_addr and
// active on conflict.
func (d *ServerDAO) AddServer(ctx context.Context, location string, ip uint32, active bool) error {
	conn, err := d.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	server := &models.TestServer{Location: location, IPAddr: ip, Active: active}
	_, err = conn.Bun().NewInsert().
		Model(server).
		On("CONFLICT (location) DO UPDATE").
		Set("ip_addr = EXCLUDED.ip_addr").
		Set("active = EXCLUDED.active").
		Exec(ctx)
	if err != nil {
		conn.Invalidate()
		return errs.Wrap(errs.QueryFailed, err)
	}
	return nil
}

// BulkUpsertActive upserts every row in servers, keyed on location,
// within a single transaction bound to one borrowed connection, per
// spec.md §6's bootstrap-ingestion invariant. Any failure rolls back the
// entire batch.
func (d *ServerDAO) BulkUpsertActive(ctx context.Context, servers []models.TestServer) error {
	if len(servers) == 0 {
		return nil
	}

	conn, err := d.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Bun().BeginTx(ctx, nil)
	if err != nil {
		conn.Invalidate()
		return errs.Wrap(errs.TransactionFailed, err)
	}

	for i := range servers {
		if _, err := tx.NewInsert().
			Model(&servers[i]).
			On("CONFLICT (location) DO UPDATE").
			Set("ip_addr = EXCLUDED.ip_addr").
			Set("active = EXCLUDED.active").
			Exec(ctx); err != nil {
			_ = tx.Rollback()
			return errs.Wrap(errs.TransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.TransactionFailed, err)
	}
	return nil
}
