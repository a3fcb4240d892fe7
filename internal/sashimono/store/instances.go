package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a catalog row does not exist.
var ErrNotFound = errors.New("store: instance not found")

// ErrAlreadyExists is returned by Insert when container_name collides with a
// live row (spec.md §3 invariant: container_name unique across all
// non-destroyed instances).
var ErrAlreadyExists = errors.New("store: instance already exists")

// Row is the catalog's on-disk representation of one instance (spec.md §4.2).
type Row struct {
	ContainerName string
	OwnerPubkey   string
	ContractID    string
	Pubkey        string
	ContractDir   string
	ImageName     string
	IP            string
	Username      string
	Status        string
	PeerPort      uint16
	UserPort      uint16
	GPTCPPortStart uint16
	GPUDPPortStart uint16
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Insert adds a new catalog row. Returns ErrAlreadyExists if container_name
// is already present.
func (s *Store) Insert(ctx context.Context, row *Row) error {
	now := time.Now()
	row.CreatedAt = now
	row.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (
			container_name, owner_pubkey, contract_id, pubkey, contract_dir,
			image_name, ip, username, status,
			peer_port, user_port, gp_tcp_port_start, gp_udp_port_start,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		row.ContainerName, row.OwnerPubkey, row.ContractID, row.Pubkey, row.ContractDir,
		row.ImageName, row.IP, row.Username, row.Status,
		row.PeerPort, row.UserPort, row.GPTCPPortStart, row.GPUDPPortStart,
		row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert instance %q: %w", row.ContainerName, err)
	}
	return nil
}

// Get retrieves a single instance by container name.
func (s *Store) Get(ctx context.Context, containerName string) (*Row, error) {
	row := &Row{}
	err := s.db.QueryRowContext(ctx, `
		SELECT container_name, owner_pubkey, contract_id, pubkey, contract_dir,
		       image_name, ip, username, status,
		       peer_port, user_port, gp_tcp_port_start, gp_udp_port_start,
		       created_at, updated_at
		FROM instances WHERE container_name = ?
	`, containerName).Scan(
		&row.ContainerName, &row.OwnerPubkey, &row.ContractID, &row.Pubkey, &row.ContractDir,
		&row.ImageName, &row.IP, &row.Username, &row.Status,
		&row.PeerPort, &row.UserPort, &row.GPTCPPortStart, &row.GPUDPPortStart,
		&row.CreatedAt, &row.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %q: %w", containerName, err)
	}
	return row, nil
}

// List returns every catalog row, ordered by container name.
func (s *Store) List(ctx context.Context) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT container_name, owner_pubkey, contract_id, pubkey, contract_dir,
		       image_name, ip, username, status,
		       peer_port, user_port, gp_tcp_port_start, gp_udp_port_start,
		       created_at, updated_at
		FROM instances ORDER BY container_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		row := &Row{}
		if err := rows.Scan(
			&row.ContainerName, &row.OwnerPubkey, &row.ContractID, &row.Pubkey, &row.ContractDir,
			&row.ImageName, &row.IP, &row.Username, &row.Status,
			&row.PeerPort, &row.UserPort, &row.GPTCPPortStart, &row.GPUDPPortStart,
			&row.CreatedAt, &row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

// UpdateStatus updates one instance's status column.
func (s *Store) UpdateStatus(ctx context.Context, containerName, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET status = ?, updated_at = ? WHERE container_name = ?
	`, status, time.Now(), containerName)
	if err != nil {
		return fmt.Errorf("update status of %q: %w", containerName, err)
	}
	return requireRowAffected(res, containerName)
}

// Delete permanently removes a catalog row (spec.md §9 open question (b): the
// implementation commits to hard delete).
func (s *Store) Delete(ctx context.Context, containerName string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM instances WHERE container_name = ?", containerName)
	if err != nil {
		return fmt.Errorf("delete instance %q: %w", containerName, err)
	}
	return requireRowAffected(res, containerName)
}

// AllocatedCount returns the number of catalog rows (all are live — destroyed
// rows are deleted outright, so this equals the live-instance count used by
// the max_instance_count admission check, spec.md §4.6 step 2).
func (s *Store) AllocatedCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM instances").Scan(&n); err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return n, nil
}

// MaxPorts returns the highest assigned port tuple seen in the catalog
// (peer_port, user_port, gp_tcp_port_start, gp_udp_port_start), or all
// zeroes if the catalog is empty. Used by the port allocator to resume the
// monotonic sequence after a restart (spec.md §4.3).
func (s *Store) MaxPorts(ctx context.Context) (peer, user, gpTCP, gpUDP uint16, err error) {
	var p, u, t, d sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
		SELECT MAX(peer_port), MAX(user_port), MAX(gp_tcp_port_start), MAX(gp_udp_port_start)
		FROM instances
	`)
	if scanErr := row.Scan(&p, &u, &t, &d); scanErr != nil {
		return 0, 0, 0, 0, fmt.Errorf("max ports: %w", scanErr)
	}
	return uint16(p.Int64), uint16(u.Int64), uint16(t.Int64), uint16(d.Int64), nil
}

// AllPeerPorts returns every assigned peer_port in the catalog, used to seed
// the vacancy free-list at startup (spec.md §4.3).
func (s *Store) AllPeerPorts(ctx context.Context) ([]uint16, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT peer_port FROM instances ORDER BY peer_port")
	if err != nil {
		return nil, fmt.Errorf("list peer ports: %w", err)
	}
	defer rows.Close()

	var out []uint16
	for rows.Next() {
		var p uint16
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan peer port: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func requireRowAffected(res sql.Result, containerName string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected for %q: %w", containerName, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
