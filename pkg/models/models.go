// Package models holds the bun-mapped row types backing the four
// persisted tables named in spec.md §6: users, test_server,
// latcheck_report and report_record.
package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Role gates which requests an authenticated user may issue.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleReportUploader Role = "report_uploader"
	RoleReportViewer   Role = "report_viewer"
)

// CanUploadReports reports whether r is allowed to submit REPORT_REQUEST.
func (r Role) CanUploadReports() bool {
	return r == RoleAdmin || r == RoleReportUploader
}

// Status is the account lifecycle state. A Deleted user is treated as
// absent by every DAO lookup.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// User is a row of the users table.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	UserID       int64     `bun:",pk,autoincrement"`
	UserName     string    `bun:"username,unique,notnull"`
	PasswordHash string    `bun:",notnull"`
	Salt         string    `bun:",notnull"`
	Role         Role      `bun:",notnull"`
	Status       Status    `bun:",notnull"`
	CreatedAt    time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	LastLoginAt  time.Time `bun:",nullzero"`
}

// TestServer is a row of the test_server table: one ICMP probe target.
type TestServer struct {
	bun.BaseModel `bun:"table:test_server,alias:ts"`

	ServerID uint32 `bun:",pk,autoincrement"`
	Location string `bun:",unique,notnull"`
	IPAddr   uint32 `bun:",notnull"`
	Active   bool   `bun:",notnull"`
}

// Report is a row of the latcheck_report table: one client's upload.
type Report struct {
	bun.BaseModel `bun:"table:latcheck_report,alias:r"`

	ReportID  int64     `bun:"report_id,pk,autoincrement"`
	Location  string    `bun:"check_location,notnull"`
	UserName  string    `bun:"user_name,notnull"`
	CreatedAt time.Time `bun:"created_time,nullzero,notnull,default:current_timestamp"`
}

// ReportRecord is a row of the report_record table: one probed target's
// latency within a report.
type ReportRecord struct {
	bun.BaseModel `bun:"table:report_record,alias:rr"`

	RecordID int64  `bun:",pk,autoincrement"`
	ReportID int64  `bun:",notnull"`
	ServerID uint32 `bun:",notnull"`
	ServerIP uint32 `bun:",notnull"`
	Latency  uint32 `bun:",notnull"`

	Report *Report `bun:"rel:belongs-to,join:report_id=report_id"`
}
