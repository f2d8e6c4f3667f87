package session

import "sync"

// Table indexes sessions by id and by client IP, the latter supporting
// multiple concurrent sessions from the same address.
type Table struct {
	mu   sync.Mutex
	byID map[string]*Session
	byIP map[string][]string
}

// NewTable builds an empty session table.
func NewTable() *Table {
	return &Table{
		byID: make(map[string]*Session),
		byIP: make(map[string][]string),
	}
}

// Add registers a session, indexed by its id and client IP.
func (t *Table) Add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[s.ID] = s

	ids := t.byIP[s.ClientIP]
	for i, id := range ids {
		if id == s.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	t.byIP[s.ClientIP] = append(ids, s.ID)
}

// RemoveByID unregisters a session, returning it if it existed.
func (t *Table) RemoveByID(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)

	ids := t.byIP[s.ClientIP]
	for i, existing := range ids {
		if existing == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(t.byIP, s.ClientIP)
	} else {
		t.byIP[s.ClientIP] = ids
	}
	return s, true
}

// ByID looks up a session by id.
func (t *Table) ByID(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	return s, ok
}

// ByIP returns every session currently associated with a client IP.
func (t *Table) ByIP(ip string) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.byIP[ip]
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := t.byID[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// All returns every session currently registered.
func (t *Table) All() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}

// TableDump is the wire-serializable form of a full Table, exchanged during
// gossip merges between routing peers.
type TableDump struct {
	Sessions []View `json:"sessions"`
}

// Export serializes every session for a MERGE_STATE/SEND_STATE exchange.
func (t *Table) Export() TableDump {
	all := t.All()
	out := make([]View, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	return TableDump{Sessions: out}
}

// Import hydrates sessions from a dump, adding any not already present and
// updating any that are.
func (t *Table) Import(dump TableDump) {
	for _, v := range dump.Sessions {
		if existing, ok := t.ByID(v.SessionID); ok {
			existing.Update(v)
			continue
		}
		t.Add(FromView(v))
	}
}
