// Package estating holds the estate identities a RoadStack knows about: its
// own local estate and a registry of remote peers.
package estating

import (
	"strconv"

	"github.com/gtmanfred/raet/pkg/raeting"
)

// LocalEstate is a stack's own identity. Eid is 0 until a main estate
// assigns one on Join completion.
type LocalEstate struct {
	Eid  uint32
	Name string
	Host string
	Port int
	Sid  uint32
	Main bool

	// SignKeyHex/PrivKeyHex are the hex-encoded public halves of the
	// signing and box keypairs; private material lives only in the
	// nacling.Signer/BoxEncryptor the stack was constructed with.
	SignKeyHex string
	PrivKeyHex string
}

// RemoteEstate is a known peer.
type RemoteEstate struct {
	Eid        uint32
	Name       string
	Host       string
	Port       int
	Sid        uint32
	Rsid       uint32
	Tid        uint32
	Acceptance raeting.Acceptance
	VerHex     string
	PubHex     string
}

// Registry is the in-memory set of a stack's remote estates, indexed by
// eid with auxiliary name and host:port indices kept in lockstep.
type Registry struct {
	Local      *LocalEstate
	remotes    map[uint32]*RemoteEstate
	byName     map[string]*RemoteEstate
	byHostPort map[string]*RemoteEstate
}

// NewRegistry creates a registry owning local.
func NewRegistry(local *LocalEstate) *Registry {
	return &Registry{
		Local:      local,
		remotes:    make(map[uint32]*RemoteEstate),
		byName:     make(map[string]*RemoteEstate),
		byHostPort: make(map[string]*RemoteEstate),
	}
}

// AddRemote inserts or replaces a remote estate, keeping all three indices
// consistent. It returns an error-free overwrite: callers that need
// uniqueness of name/hostport across distinct eids must check first with
// FetchByName/FetchByHostPort.
func (r *Registry) AddRemote(re *RemoteEstate) {
	if old, ok := r.remotes[re.Eid]; ok {
		delete(r.byName, old.Name)
		delete(r.byHostPort, hostPortKey(old.Host, old.Port))
	}
	r.remotes[re.Eid] = re
	r.byName[re.Name] = re
	r.byHostPort[hostPortKey(re.Host, re.Port)] = re
}

// RemoveRemote deletes a remote by eid, idempotently.
func (r *Registry) RemoveRemote(eid uint32) {
	re, ok := r.remotes[eid]
	if !ok {
		return
	}
	delete(r.remotes, eid)
	delete(r.byName, re.Name)
	delete(r.byHostPort, hostPortKey(re.Host, re.Port))
}

// FetchByEid returns the remote with the given eid, or nil.
func (r *Registry) FetchByEid(eid uint32) *RemoteEstate {
	return r.remotes[eid]
}

// FetchByName returns the first remote with the given name, or nil.
func (r *Registry) FetchByName(name string) *RemoteEstate {
	return r.byName[name]
}

// FetchByHostPort returns the remote bound to host:port, or nil.
func (r *Registry) FetchByHostPort(host string, port int) *RemoteEstate {
	return r.byHostPort[hostPortKey(host, port)]
}

// FetchByKeys does a linear scan over remotes for a matching (verHex,
// pubHex) pair. A third composite index isn't maintained for this lookup:
// key material is binary, rarely looked up outside of Join handling, and a
// scan over a stack's peer set (typically small) is cheaper than keeping
// a third map in lockstep on every mutation.
func (r *Registry) FetchByKeys(verHex, pubHex string) *RemoteEstate {
	for _, re := range r.remotes {
		if re.VerHex == verHex && re.PubHex == pubHex {
			return re
		}
	}
	return nil
}

// Remotes returns a snapshot slice of all known remotes.
func (r *Registry) Remotes() []*RemoteEstate {
	out := make([]*RemoteEstate, 0, len(r.remotes))
	for _, re := range r.remotes {
		out = append(out, re)
	}
	return out
}

func hostPortKey(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
