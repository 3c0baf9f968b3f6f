package lifecycle

import "fmt"

// Registry is the bidirectional index between authoritative server ids and
// local tracking ids. It is derived from the record set and can be rebuilt
// from it at any time. Registry is not safe for concurrent use; the Store
// guards it with its own mutex.
type Registry struct {
	byServer map[string]string // server id → local id
	byLocal  map[string]string // local id → server id
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byServer: make(map[string]string),
		byLocal:  make(map[string]string),
	}
}

// Register maps serverID to localID. Provisional identifiers are local-only
// and are rejected with ErrNotServerIdentifier. Re-registering an identical
// pair is a no-op; any other overlap is an *IdentityConflictError.
func (r *Registry) Register(serverID Identifier, localID string) error {
	if !serverID.IsServer() {
		return fmt.Errorf("register %s for %s: %w", serverID, localID, ErrNotServerIdentifier)
	}
	if held, ok := r.byLocal[localID]; ok {
		if held == serverID.Value {
			return nil
		}
		return &IdentityConflictError{LocalID: localID, Held: Server(held), Offered: serverID}
	}
	if owner, ok := r.byServer[serverID.Value]; ok && owner != localID {
		return &IdentityConflictError{LocalID: localID, Offered: serverID, Owner: owner}
	}
	r.byServer[serverID.Value] = localID
	r.byLocal[localID] = serverID.Value
	return nil
}

// LookupByServerID returns the local id mapped to serverID.
func (r *Registry) LookupByServerID(serverID string) (string, bool) {
	id, ok := r.byServer[serverID]
	return id, ok
}

// LookupByLocalID returns the server id mapped to localID.
func (r *Registry) LookupByLocalID(localID string) (Identifier, bool) {
	id, ok := r.byLocal[localID]
	if !ok {
		return Identifier{}, false
	}
	return Server(id), true
}

// Remove drops the mapping held for localID, if any.
func (r *Registry) Remove(localID string) {
	if sid, ok := r.byLocal[localID]; ok {
		delete(r.byServer, sid)
		delete(r.byLocal, localID)
	}
}

// Len returns the number of mappings.
func (r *Registry) Len() int { return len(r.byServer) }

// Rebuild discards every mapping and re-derives them from records. Records
// without a server id are skipped. The first record to claim a server id
// keeps it.
func (r *Registry) Rebuild(records []VehicleRecord) {
	r.byServer = make(map[string]string, len(records))
	r.byLocal = make(map[string]string, len(records))
	for _, rec := range records {
		if !rec.ServerID.IsServer() {
			continue
		}
		_ = r.Register(rec.ServerID, rec.LocalID)
	}
}

// Mappings returns a copy of the server id → local id index.
func (r *Registry) Mappings() map[string]string {
	out := make(map[string]string, len(r.byServer))
	for k, v := range r.byServer {
		out[k] = v
	}
	return out
}
