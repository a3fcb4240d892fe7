package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// LeaseStore is a read-only connection into the external message-board
// database that records on-ledger lease acquisitions (spec.md §3 Lease
// entity, §4.2). This agent never writes to it; a separate process owns that
// schema.
type LeaseStore struct {
	db *sql.DB
}

// OpenLeaseStore opens dbPath read-only. The file is not created if absent;
// callers should tolerate a missing lease database by treating lookups as
// empty rather than failing instance operations that don't strictly need it.
func OpenLeaseStore(dbPath string) (*LeaseStore, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open lease database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open lease database: %w", err)
	}
	return &LeaseStore{db: db}, nil
}

// Close closes the lease database connection.
func (l *LeaseStore) Close() error {
	return l.db.Close()
}

// LeaseRow is one row of the external lease table, keyed by container name.
type LeaseRow struct {
	ContainerName    string
	TenantXRPAddress string
	Timestamp        uint64
	CreatedOnLedger  uint64
	LifeMoments      uint64
}

// Get looks up the lease row for a single container. Returns ErrNotFound if
// no lease is recorded, which callers should treat as "no lease info
// available" rather than an error condition (spec.md §4.2: lease joins are
// best-effort).
func (l *LeaseStore) Get(ctx context.Context, containerName string) (*LeaseRow, error) {
	row := &LeaseRow{}
	err := l.db.QueryRowContext(ctx, `
		SELECT container_name, tenant_xrp_address, timestamp, created_on_ledger, life_moments
		FROM leases WHERE container_name = ?
	`, containerName).Scan(
		&row.ContainerName, &row.TenantXRPAddress, &row.Timestamp, &row.CreatedOnLedger, &row.LifeMoments,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lease %q: %w", containerName, err)
	}
	return row, nil
}

// List returns every row in the lease table.
func (l *LeaseStore) List(ctx context.Context) ([]*LeaseRow, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT container_name, tenant_xrp_address, timestamp, created_on_ledger, life_moments
		FROM leases
	`)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()

	var out []*LeaseRow
	for rows.Next() {
		row := &LeaseRow{}
		if err := rows.Scan(
			&row.ContainerName, &row.TenantXRPAddress, &row.Timestamp, &row.CreatedOnLedger, &row.LifeMoments,
		); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
