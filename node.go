package psrdma

import "github.com/bytedance/ps-lite/internal/config"

// Role re-exports internal/config's role enum so callers of this package
// never need to import an internal package directly.
type Role = config.Role

const (
	RoleScheduler = config.RoleScheduler
	RoleWorker    = config.RoleWorker
	RoleServer    = config.RoleServer
)

// Node identifies one participant in the cluster: the core transport
// only ever sees a peer's numeric id, but Bind/Connect need the rest to
// resolve a connection. EndpointName carries the fabric variant's
// address-vector entry (see LocalName) in place of a host/port pair.
type Node struct {
	ID       uint32
	Role     Role
	Hostname string
	Port     int

	AuxID        int
	EndpointName []byte
}
