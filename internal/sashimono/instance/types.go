// Package instance implements the instance lifecycle state machine: request
// admission, resource allocation, contract materialization, container
// creation, and the create/initiate/start/stop/destroy/inspect operations
// described in spec.md §4.6.
package instance

import "fmt"

// Status is the lifecycle state of an instance (spec.md §3, §4.6).
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusDestroyed Status = "destroyed"
	StatusExited    Status = "exited"
)

// Ports is the four-slot reservation held by exactly one live instance at a
// time (spec.md §3 Ports entity).
type Ports struct {
	PeerPort      uint16 `json:"peer_port"`
	UserPort      uint16 `json:"user_port"`
	GPTCPPortStart uint16 `json:"gp_tcp_port_start"`
	GPUDPPortStart uint16 `json:"gp_udp_port_start"`
}

// Equal reports whether two port tuples reserve exactly the same four slots.
func (p Ports) Equal(o Ports) bool {
	return p.PeerPort == o.PeerPort && p.UserPort == o.UserPort &&
		p.GPTCPPortStart == o.GPTCPPortStart && p.GPUDPPortStart == o.GPUDPPortStart
}

// Resources is the per-instance quota derived from global caps divided by the
// live instance count at allocation time (spec.md §3 Resources entity).
type Resources struct {
	CPUMicros    uint64
	MemKBytes    uint64
	SwapKBytes   uint64
	StorageKBytes uint64
}

// Info is the full record of one tenant workload (spec.md §3 Instance entity).
type Info struct {
	ContainerName string `json:"container_name"`
	OwnerPubkey   string `json:"owner_pubkey"`
	ContractID    string `json:"contract_id"`
	Pubkey        string `json:"pubkey"`
	ContractDir   string `json:"contract_dir"`
	ImageName     string `json:"image_name"`
	IP            string `json:"ip"`
	Username      string `json:"username"`
	AssignedPorts Ports  `json:"assigned_ports"`
	Status        Status `json:"status"`
}

// Lease is a read-only row sourced from the external message-board database
// (spec.md §3 Lease entity), merged into list responses by container name.
type Lease struct {
	Timestamp        uint64 `json:"timestamp"`
	ContainerName    string `json:"container_name"`
	TenantXRPAddress string `json:"tenant_xrp_address"`
	CreatedOnLedger  uint64 `json:"created_on_ledger"`
	LifeMoments      uint64 `json:"life_moments"`
}

// ListEntry merges an Info row with its Lease row (if any) by container name,
// for the `list` response (spec.md §4.6 get_instance_list).
type ListEntry struct {
	Info
	Lease *Lease `json:"lease,omitempty"`
}

// ErrIllegalTransition is returned when an operation is attempted from a
// status that does not permit it (spec.md §8 invariant 6).
type ErrIllegalTransition struct {
	Container string
	From      Status
	Operation string
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("instance %q: cannot %s from status %q", e.Container, e.Operation, e.From)
}
