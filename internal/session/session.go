// Package session implements the client-session state owned by a routing
// node: one record per FTP control connection, mutated only through its
// public methods and safe for concurrent use by the routing loop, the
// gossip merge path, and the DATA_READY callback.
package session

import (
	"fmt"
	"sync"
)

// Session is per control-connection state for one FTP client.
type Session struct {
	mu sync.Mutex

	ID            string
	ClientIP      string
	username      string
	authenticated bool
	cwd           string

	pasvMode bool
	dataIP   string
	dataPort int

	transferType string

	renameFrom string
}

// New creates a freshly reset session for a newly accepted connection.
func New(id, clientIP string) *Session {
	return &Session{
		ID:           id,
		ClientIP:     clientIP,
		cwd:          "/",
		transferType: "A",
	}
}

// ChangeUser sets the pending username and invalidates authentication and
// any in-flight rename, mirroring the behaviour required when USER is sent
// mid-session.
func (s *Session) ChangeUser(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.authenticated = false
	s.renameFrom = ""
}

// Authenticate marks the session authenticated. It is an error to call this
// before a username has been set.
func (s *Session) Authenticate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.username == "" {
		return fmt.Errorf("session: cannot authenticate without username")
	}
	s.authenticated = true
	return nil
}

// IsAuthenticated reports whether the session has passed PASS.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Username returns the session's current username, possibly empty.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Cwd returns the session's current working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// SetCwd updates the working directory. Validation is the caller's
// responsibility (processing/storage nodes own path semantics).
func (s *Session) SetCwd(cwd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cwd = cwd
}

// SetRenameFrom records the RNFR source path.
func (s *Session) SetRenameFrom(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renameFrom = path
}

// RenameFrom returns the pending RNFR source path, if any.
func (s *Session) RenameFrom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renameFrom
}

// ClearRenameFrom clears RNFR state, called after RNTO regardless of outcome.
func (s *Session) ClearRenameFrom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renameFrom = ""
}

// EnterPasv records the passive-mode data endpoint advertised to the client.
func (s *Session) EnterPasv(ip string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pasvMode = true
	s.dataIP = ip
	s.dataPort = port
}

// PasvInfo reports whether passive mode is active and, if so, its endpoint.
func (s *Session) PasvInfo() (ip string, port int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pasvMode {
		return "", 0, false
	}
	return s.dataIP, s.dataPort, true
}

// ClearPasv resets passive-mode state after a data transfer completes.
func (s *Session) ClearPasv() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pasvMode = false
	s.dataIP = ""
	s.dataPort = 0
}

// SetTransferType sets the TYPE ('A', 'I', 'E', or 'L').
func (s *Session) SetTransferType(t string) error {
	switch t {
	case "A", "I", "E", "L":
	default:
		return fmt.Errorf("session: invalid transfer type %q", t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferType = t
	return nil
}

// TransferType returns the current TYPE.
func (s *Session) TransferType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferType
}

// View is the wire-serializable snapshot exchanged in PROCESS_FTP_COMMAND
// requests/responses and in gossip updates.
type View struct {
	SessionID     string `json:"session_id"`
	ClientIP      string `json:"client_ip"`
	Username      string `json:"username"`
	Authenticated bool   `json:"authenticated"`
	Cwd           string `json:"cwd"`
	PasvMode      bool   `json:"pasv_mode"`
	DataIP        string `json:"data_ip"`
	DataPort      int    `json:"data_port"`
	TransferType  string `json:"transfer_type"`
	RenameFrom    string `json:"rename_from"`
}

// Snapshot serializes the session for transport.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		SessionID:     s.ID,
		ClientIP:      s.ClientIP,
		Username:      s.username,
		Authenticated: s.authenticated,
		Cwd:           s.cwd,
		PasvMode:      s.pasvMode,
		DataIP:        s.dataIP,
		DataPort:      s.dataPort,
		TransferType:  s.transferType,
		RenameFrom:    s.renameFrom,
	}
}

// FromView builds a Session from a deserialized snapshot, used to hydrate
// gossiped session-add updates on a peer routing node.
func FromView(v View) *Session {
	s := New(v.SessionID, v.ClientIP)
	s.Update(v)
	return s
}

// Update applies a view to the session, returning whether anything changed.
// An empty Username, Cwd, DataIP or TransferType and a zero DataPort are
// treated as absent and leave the field as it is; Authenticated, PasvMode
// and RenameFrom are always applied, so a cleared login, passive mode or
// pending rename carries over. This mirrors the update semantics used to
// reconcile a processing node's returned session view, or an incoming
// gossip delta.
func (s *Session) Update(v View) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false

	if v.Username != "" && s.username != v.Username {
		s.username = v.Username
		changed = true
	}
	if s.authenticated != v.Authenticated {
		s.authenticated = v.Authenticated
		changed = true
	}
	if v.Cwd != "" && s.cwd != v.Cwd {
		s.cwd = v.Cwd
		changed = true
	}
	if s.pasvMode != v.PasvMode {
		s.pasvMode = v.PasvMode
		changed = true
	}
	if v.DataIP != "" && s.dataIP != v.DataIP {
		s.dataIP = v.DataIP
		changed = true
	}
	if v.DataPort != 0 && s.dataPort != v.DataPort {
		s.dataPort = v.DataPort
		changed = true
	}
	if v.TransferType != "" && s.transferType != v.TransferType {
		s.transferType = v.TransferType
		changed = true
	}
	if v.RenameFrom != s.renameFrom {
		s.renameFrom = v.RenameFrom
		changed = true
	}
	return changed
}
