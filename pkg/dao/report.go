package dao

import (
	"context"

	"github.com/roversun/latcheck/pkg/dbpool"
	"github.com/roversun/latcheck/pkg/errs"
	"github.com/roversun/latcheck/pkg/models"
)

// ReportDAO implements the transactional bundle-insert of spec.md §4.6(c).
type ReportDAO struct {
	pool *dbpool.Pool
}

func NewReportDAO(pool *dbpool.Pool) *ReportDAO {
	return &ReportDAO{pool: pool}
}

// CreateReport inserts report and records within a single transaction
// bound to one borrowed connection. Any failure rolls back the entire
// bundle; success leaves exactly one report row and len(records) record
// rows, per spec.md §8's report-atomicity invariant.
func (d *ReportDAO) CreateReport(ctx context.Context, report *models.Report, records []models.ReportRecord) (int64, error) {
	conn, err := d.pool.Get(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	tx, err := conn.Bun().BeginTx(ctx, nil)
	if err != nil {
		conn.Invalidate()
		return 0, errs.Wrap(errs.TransactionFailed, err)
	}

	if _, err := tx.NewInsert().Model(report).Exec(ctx); err != nil {
		_ = tx.Rollback()
		return 0, errs.Wrap(errs.TransactionFailed, err)
	}

	if len(records) > 0 {
		for i := range records {
			records[i].ReportID = report.ReportID
		}
		if _, err := tx.NewInsert().Model(&records).Exec(ctx); err != nil {
			_ = tx.Rollback()
			return 0, errs.Wrap(errs.TransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.TransactionFailed, err)
	}

	return report.ReportID, nil
}
