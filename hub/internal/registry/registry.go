// Package registry tracks live hub connections partitioned by tenant and role.
//
// The registry owns membership only. Delivery goes through each connection's
// own non-blocking Send, and no registry lock is held while a connection is
// written to or closed.
package registry

import (
	"errors"
	"sort"
	"sync"
)

// ErrSendQueueFull is returned by Conn.Send when the connection cannot accept
// another frame without blocking.
var ErrSendQueueFull = errors.New("send queue full")

// Conn is a live connection as seen by the registry.
type Conn interface {
	ID() string
	// DeviceID is empty for connections not bound to a device.
	DeviceID() string
	// Send enqueues msg for delivery. It must not block.
	Send(msg []byte) error
	Close() error
}

type partitionKey struct {
	orgID string
	role  string
}

// Registry is an in-memory index of live connections keyed by (orgID, role).
type Registry struct {
	mu         sync.RWMutex
	partitions map[partitionKey]map[string]Conn
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{partitions: make(map[partitionKey]map[string]Conn)}
}

// Add inserts conn into the (orgID, role) partition. Adding a connection that
// is already present replaces it.
func (r *Registry) Add(orgID, role string, conn Conn) {
	key := partitionKey{orgID, role}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.partitions[key]
	if !ok {
		p = make(map[string]Conn)
		r.partitions[key] = p
	}
	p[conn.ID()] = conn
}

// Remove deletes conn from the (orgID, role) partition. Removing an absent
// connection is a no-op. It reports whether conn was present.
func (r *Registry) Remove(orgID, role string, conn Conn) bool {
	key := partitionKey{orgID, role}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.partitions[key]
	if !ok {
		return false
	}
	if cur, ok := p[conn.ID()]; !ok || cur != conn {
		return false
	}
	delete(p, conn.ID())
	if len(p) == 0 {
		delete(r.partitions, key)
	}
	return true
}

// snapshot copies the partition's members under the read lock.
func (r *Registry) snapshot(orgID, role string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.partitions[partitionKey{orgID, role}]
	conns := make([]Conn, 0, len(p))
	for _, c := range p {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast delivers msg to every connection in the (orgID, role) partition
// and returns how many accepted it. Connections that fail to accept are
// skipped; their own close handling removes them. Connections added after
// the snapshot is taken may be missed.
func (r *Registry) Broadcast(orgID, role string, msg []byte) int {
	sent := 0
	for _, c := range r.snapshot(orgID, role) {
		if err := c.Send(msg); err == nil {
			sent++
		}
	}
	return sent
}

// Count returns the number of live connections in the (orgID, role) partition.
func (r *Registry) Count(orgID, role string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.partitions[partitionKey{orgID, role}])
}

// Total returns the number of live connections across all partitions.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.partitions {
		n += len(p)
	}
	return n
}

// EvictDevice closes every connection bound to deviceID and returns how many
// were closed. Removal from the registry happens in each connection's close
// path.
func (r *Registry) EvictDevice(deviceID string) int {
	if deviceID == "" {
		return 0
	}
	var victims []Conn
	r.mu.RLock()
	for _, p := range r.partitions {
		for _, c := range p {
			if c.DeviceID() == deviceID {
				victims = append(victims, c)
			}
		}
	}
	r.mu.RUnlock()

	for _, c := range victims {
		_ = c.Close()
	}
	return len(victims)
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() {
	var all []Conn
	r.mu.RLock()
	for _, p := range r.partitions {
		for _, c := range p {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range all {
		_ = c.Close()
	}
}

// PartitionStats describes one (orgID, role) partition.
type PartitionStats struct {
	OrgID       string `json:"org_id"`
	Role        string `json:"role"`
	Connections int    `json:"connections"`
}

// Stats returns per-partition connection counts ordered by org then role.
func (r *Registry) Stats() []PartitionStats {
	r.mu.RLock()
	out := make([]PartitionStats, 0, len(r.partitions))
	for k, p := range r.partitions {
		out = append(out, PartitionStats{OrgID: k.orgID, Role: k.role, Connections: len(p)})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OrgID != out[j].OrgID {
			return out[i].OrgID < out[j].OrgID
		}
		return out[i].Role < out[j].Role
	})
	return out
}
