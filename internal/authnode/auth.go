// Package authnode implements the auth role: a replicated table of
// (username, bcrypt password hash) pairs, validated on behalf of processing
// nodes and kept in sync across auth replicas via the gossip mixin.
package authnode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/dftp/dftp/internal/gossip"
	"github.com/dftp/dftp/internal/locator"
	"github.com/dftp/dftp/internal/wire"
)

// User is one replicated credential record.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password"`
}

type usersFile struct {
	Users []User `json:"users"`
}

// store is the in-memory user table, backed by a JSON file persisted with a
// tmp-file-then-atomic-rename write, the same durability pattern used by the
// storage node's metadata table.
type store struct {
	mu    sync.Mutex
	path  string
	users map[string]User
}

func newStore(path string) (*store, error) {
	s := &store{path: path, users: make(map[string]User)}
	if err := s.load(); err != nil {
		return nil, err
	}
	if len(s.users) == 0 {
		if err := s.seedSamples(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *store) seedSamples() error {
	for _, u := range []struct{ user, pass string }{
		{"test", "test123"},
		{"admin", "admin123"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.pass), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("authnode: seed %s: %w", u.user, err)
		}
		s.users[u.user] = User{Username: u.user, PasswordHash: string(hash)}
	}
	return s.persistLocked()
}

func (s *store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("authnode: read users file: %w", err)
	}
	var f usersFile
	if err := json.Unmarshal(b, &f); err != nil {
		// A corrupted users file falls back to an empty table rather than
		// taking the node down; seeding will repopulate it.
		return nil
	}
	for _, u := range f.Users {
		s.users[u.Username] = u
	}
	return nil
}

func (s *store) persistLocked() error {
	f := usersFile{Users: make([]User, 0, len(s.users))}
	for _, u := range s.users {
		f.Users = append(f.Users, u)
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".users-*.tmp")
	if err != nil {
		return fmt.Errorf("authnode: create tmp users file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *store) get(username string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	return u, ok
}

func (s *store) upsert(u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Username] = u
	return s.persistLocked()
}

func (s *store) delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, username)
	return s.persistLocked()
}

func (s *store) snapshot() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out
}

type snapshotDump struct {
	Users []User `json:"users"`
}

// Node is an auth role node.
type Node struct {
	Name string
	Addr string

	store   *store
	Locator *locator.Locator
	Gossip  *gossip.Engine[snapshotDump]
	logger  *slog.Logger
}

// NewNode constructs an auth node whose user table is persisted at usersPath.
func NewNode(name, addr, usersPath string, loc *locator.Locator, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := newStore(usersPath)
	if err != nil {
		return nil, err
	}
	n := &Node{
		Name:    name,
		Addr:    addr,
		store:   st,
		Locator: loc,
		logger:  logger.With("component", "auth", "node", name),
	}
	n.Gossip = gossip.NewEngine[snapshotDump](name, addr, "AUTH", loc, n, logger, gossip.Config{})
	return n, nil
}

// Snapshot implements gossip.Hooks.
func (n *Node) Snapshot() snapshotDump { return snapshotDump{Users: n.store.snapshot()} }

// DecodeState implements gossip.Hooks.
func (n *Node) DecodeState(raw []byte) (snapshotDump, error) {
	var d snapshotDump
	err := json.Unmarshal(raw, &d)
	return d, err
}

// Merge implements gossip.Hooks: union by username, remote wins (last writer
// observed during the merge pass).
func (n *Node) Merge(remote snapshotDump) {
	for _, u := range remote.Users {
		_ = n.store.upsert(u)
	}
}

// ApplyUpdate implements gossip.Hooks for a {op, user} delta: add upserts by
// username (an add for an existing name becomes an update), delete removes
// the user if present.
func (n *Node) ApplyUpdate(update map[string]interface{}) bool {
	op, _ := update["op"].(string)
	raw, ok := update["user"].(map[string]interface{})
	if !ok {
		return false
	}
	username, _ := raw["username"].(string)
	if username == "" {
		return false
	}
	switch op {
	case "add", "update":
		hash, _ := raw["password_hash"].(string)
		_ = n.store.upsert(User{Username: username, PasswordHash: hash})
		return true
	case "delete":
		_, existed := n.store.get(username)
		_ = n.store.delete(username)
		return existed
	}
	return false
}

// RegisterHandlers wires the auth request handlers and the gossip engine
// onto server.
func (n *Node) RegisterHandlers(server *wire.Server) {
	n.Gossip.RegisterHandlers(server)
	server.Handle("AUTH_VALIDATE_USER", n.handleValidateUser)
	server.Handle("AUTH_VALIDATE_PASSWORD", n.handleValidatePassword)
}

func (n *Node) handleValidateUser(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	_, ok := n.store.get(req.StringField("username"))
	return wire.OK(req, map[string]interface{}{"result": ok}), nil
}

func (n *Node) handleValidatePassword(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	u, ok := n.store.get(req.StringField("username"))
	if !ok {
		return wire.OK(req, map[string]interface{}{"result": false}), nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.StringField("password")))
	return wire.OK(req, map[string]interface{}{"result": err == nil}), nil
}

// AddUser creates a new user (or overwrites an existing one), persists it,
// and gossips the change to peer auth nodes.
func (n *Node) AddUser(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("authnode: hash password: %w", err)
	}
	u := User{Username: username, PasswordHash: string(hash)}
	if err := n.store.upsert(u); err != nil {
		return err
	}
	n.Gossip.NotifyLocalChange(ctx, map[string]interface{}{
		"op":   "add",
		"user": map[string]interface{}{"username": u.Username, "password_hash": u.PasswordHash},
	}, false, 0)
	return nil
}

// UpdateUser changes an existing user's password.
func (n *Node) UpdateUser(ctx context.Context, username, password string) error {
	return n.AddUser(ctx, username, password)
}

// DeleteUser removes a user and gossips the deletion.
func (n *Node) DeleteUser(ctx context.Context, username string) error {
	if err := n.store.delete(username); err != nil {
		return err
	}
	n.Gossip.NotifyLocalChange(ctx, map[string]interface{}{
		"op":   "delete",
		"user": map[string]interface{}{"username": username},
	}, false, 0)
	return nil
}
