package symple

import (
	"sync"

	"github.com/tidwall/gjson"
)

// Peer is one roster entry: the presence payload's "data" object, kept as
// raw JSON (id/user/name/online plus whatever application-specific fields
// a deployment adds) and reached the same gjson way as Message, per
// original_source's Peer being a json::Value subclass rather than a fixed
// struct.
type Peer struct {
	raw []byte
}

func newPeer(data []byte) *Peer { return &Peer{raw: data} }

// ID returns the peer's roster key.
func (p *Peer) ID() string { return gjson.GetBytes(p.raw, "id").String() }

// Online reports the peer's last known presence.
func (p *Peer) Online() bool { return gjson.GetBytes(p.raw, "online").Bool() }

// Address reconstructs the peer's Symple address from its user/name/id
// fields.
func (p *Peer) Address() Address {
	return Address{
		User: gjson.GetBytes(p.raw, "user").String(),
		Name: gjson.GetBytes(p.raw, "name").String(),
		ID:   p.ID(),
	}
}

// Get reaches an arbitrary field of the peer's presence data.
func (p *Peer) Get(path string) gjson.Result { return gjson.GetBytes(p.raw, path) }

// Roster is the map of peerId -> Peer metadata of spec.md §4.9, updated as
// presence messages arrive. Grounded on original_source/src/symple's
// Collection<Peer> usage in Client::onPresenceData.
type Roster struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewRoster constructs an empty Roster.
func NewRoster() *Roster {
	return &Roster{peers: make(map[string]*Peer)}
}

// Get returns the peer with the given id, or nil if absent.
func (r *Roster) Get(id string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

// Update applies a presence "data" payload: inserting a new peer, merging
// onto an existing one, or removing it when online is false. Returns the
// resulting peer (the removed peer after a removal, nil if an offline
// update named no known peer), whether it is newly connected and whether
// it was just removed (for PeerConnected/PeerDisconnected-style
// notifications).
func (r *Roster) Update(data []byte) (peer *Peer, connected, disconnected bool) {
	id := gjson.GetBytes(data, "id").String()
	online := gjson.GetBytes(data, "online").Bool()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, had := r.peers[id]
	if online {
		if !had {
			p := newPeer(data)
			r.peers[id] = p
			return p, true, false
		}
		existing.raw = data
		return existing, false, false
	}
	if had {
		delete(r.peers, id)
		return existing, false, true
	}
	return nil, false, false
}

// All returns a snapshot slice of every peer currently in the roster.
func (r *Roster) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Clear empties the roster, as Client.Close does between sessions.
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]*Peer)
}
