package processing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dftp/dftp/internal/session"
	"github.com/dftp/dftp/internal/storage"
	"github.com/dftp/dftp/internal/wire"
)

// verbHandler executes one FTP verb against a mutable session view: it may
// mutate sess in place, and its return value is the RFC-959 reply. Handlers
// carry no state of their own; everything they need arrives in the view.
type verbHandler func(ctx context.Context, n *Node, sess *session.View, args []string) (code int, message string)

// verbSpec describes a verb's calling convention: its argument count bounds
// and whether it is exempt from the "must be authenticated" gate.
type verbSpec struct {
	minArgs, maxArgs int // maxArgs < 0 means unbounded
	authExempt       bool
	handler          verbHandler
}

// verbTable is the static verb -> handler registration, directly analogous
// to the wire server's per-message-type handler map. Unknown verbs fall out
// of the map and earn a 500.
var verbTable map[string]verbSpec

// verbTable's entries are assigned in init rather than in the var literal
// above because handleHELP's body reads verbTable: a direct literal
// reference to handleHELP from the literal would create a package-level
// initialization cycle (verbTable -> handleHELP -> verbTable).
func init() {
	verbTable = map[string]verbSpec{
		"USER": {1, 1, true, handleUSER},
		"PASS": {1, 1, true, handlePASS},
		"ACCT": {1, 1, false, handleNotImplemented},
		"CWD":  {1, 1, false, handleCWD},
		"CDUP": {0, 0, false, handleCDUP},
		"SMNT": {1, 1, false, handleNotImplemented},
		"QUIT": {0, 0, true, handleQUIT},
		"REIN": {0, 0, true, handleREIN},
		"PORT": {1, 1, false, handleNotSupported},
		"PASV": {0, 0, false, handlePASV},
		"TYPE": {1, 2, true, handleTYPE},
		"STRU": {1, 1, false, handleSTRU},
		"MODE": {1, 1, false, handleMODE},
		"RETR": {1, 1, false, handleRETR},
		"STOR": {1, 1, false, handleSTOR},
		"STOU": {0, 1, false, handleSTOU},
		"APPE": {1, 1, false, handleSTOR},
		"ALLO": {1, 2, false, handleNotImplemented},
		"REST": {1, 1, false, handleNotSupported},
		"RNFR": {1, 1, false, handleRNFR},
		"RNTO": {1, 1, false, handleRNTO},
		"ABOR": {0, 0, false, handleABOR},
		"DELE": {1, 1, false, handleDELE},
		"RMD":  {1, 1, false, handleRMD},
		"MKD":  {1, 1, false, handleMKD},
		"PWD":  {0, 0, false, handlePWD},
		"LIST": {0, 1, false, handleListVerb(true)},
		"NLST": {0, 1, false, handleListVerb(false)},
		"SITE": {0, -1, false, handleNotImplemented},
		"SYST": {0, 0, true, handleSYST},
		"STAT": {0, 1, false, handleSTAT},
		"HELP": {0, 1, true, handleHELP},
		"NOOP": {0, 0, true, handleNOOP},
	}
}

// dispatch validates argument count and the auth gate, then invokes the
// registered handler on a copy of view, returning the (possibly mutated)
// copy so the caller can propagate it back to routing.
func (n *Node) dispatch(ctx context.Context, view session.View, verb string, args []string) (int, string, *session.View) {
	spec, ok := verbTable[strings.ToUpper(verb)]
	if !ok {
		return 500, "Command not recognized.", nil
	}
	if len(args) < spec.minArgs || (spec.maxArgs >= 0 && len(args) > spec.maxArgs) {
		return 501, "Syntax error in parameters or arguments.", nil
	}
	if !spec.authExempt && !view.Authenticated {
		return 530, "Please login with USER and PASS.", nil
	}
	code, message := spec.handler(ctx, n, &view, args)
	return code, message, &view
}

func handleNotImplemented(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	return 202, "Command not implemented, superfluous at this site."
}

func handleNotSupported(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	return 502, "Command not implemented."
}

func handleUSER(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	username := args[0]
	resp, ok := n.authRequest(ctx, "AUTH_VALIDATE_USER", map[string]interface{}{"username": username})
	if !ok {
		return 421, "Service not available, no auth node reachable."
	}
	if !resp.IsOK() || !payloadBool(resp.Payload, "result") {
		return 530, "Invalid username."
	}
	sess.Username = username
	sess.Authenticated = false
	sess.RenameFrom = ""
	return 331, "User name okay, need password."
}

func handlePASS(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	if sess.Username == "" {
		return 503, "Login with USER first."
	}
	resp, ok := n.authRequest(ctx, "AUTH_VALIDATE_PASSWORD", map[string]interface{}{
		"username": sess.Username, "password": args[0],
	})
	if !ok {
		return 421, "Service not available, no auth node reachable."
	}
	if !resp.IsOK() || !payloadBool(resp.Payload, "result") {
		return 530, "Login incorrect."
	}
	sess.Authenticated = true
	return 230, "User logged in, proceed."
}

func handleQUIT(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	return 221, "Goodbye."
}

func handleREIN(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	sess.Username = ""
	sess.Authenticated = false
	sess.Cwd = "/"
	sess.RenameFrom = ""
	sess.PasvMode = false
	sess.DataIP = ""
	sess.DataPort = 0
	return 220, "Service ready for new user."
}

func handlePASV(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	peers := n.Locator.QueryByRole("DATA")
	if len(peers) == 0 {
		return 450, "No storage nodes available."
	}
	resp, ok := n.sendToAnyDataNode(ctx, peers, "DATA_OPEN_PASV", map[string]interface{}{"session_id": sess.SessionID}, wire.DefaultTimeout)
	if !ok || !resp.IsOK() {
		return 450, "Could not open a passive data connection."
	}
	ip := resp.StringField("ip")
	port := int(payloadInt(resp.Payload, "port"))
	sess.PasvMode = true
	sess.DataIP = ip
	sess.DataPort = port
	return 227, formatPasvReply(ip, port)
}

func handleTYPE(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	t := strings.ToUpper(args[0])
	switch t {
	case "A", "I", "E", "L":
		sess.TransferType = t
		return 200, "Command okay."
	default:
		return 504, "Command not implemented for that parameter."
	}
}

func handleSTRU(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	if strings.ToUpper(args[0]) != "F" {
		return 504, "Command not implemented for that parameter."
	}
	return 200, "Command okay."
}

func handleMODE(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	if strings.ToUpper(args[0]) != "S" {
		return 504, "Command not implemented for that parameter."
	}
	return 200, "Command okay."
}

func handleCWD(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	return changeDir(ctx, n, sess, args[0])
}

func handleCDUP(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	return changeDir(ctx, n, sess, "..")
}

func changeDir(ctx context.Context, n *Node, sess *session.View, target string) (int, string) {
	peers := n.Locator.QueryByRole("DATA")
	if len(peers) == 0 {
		return 450, "No storage nodes available."
	}
	resp, ok := n.sendToAnyDataNode(ctx, peers, "DATA_CWD", map[string]interface{}{
		"user": sess.Username, "cwd": sess.Cwd, "path": target,
	}, wire.DefaultTimeout)
	if !ok {
		return 450, "No storage nodes reachable."
	}
	if !resp.IsOK() {
		return 550, resp.Metadata.Message
	}
	sess.Cwd = resp.StringField("cwd")
	return 250, "CWD command successful."
}

func handlePWD(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	return 257, fmt.Sprintf("%q is the current directory.", sess.Cwd)
}

func handleMKD(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	peers := n.Locator.QueryByRole("DATA")
	if len(peers) == 0 {
		return 450, "No storage nodes available."
	}
	resp, ok := n.sendToAnyDataNode(ctx, peers, "DATA_MKD", map[string]interface{}{
		"user": sess.Username, "cwd": sess.Cwd, "path": args[0],
	}, wire.DefaultTimeout)
	if !ok {
		return 450, "No storage nodes reachable."
	}
	if !resp.IsOK() {
		return 550, resp.Metadata.Message
	}
	virtual := storage.NormalizeVirtualPath(sess.Cwd, args[0])
	return 257, fmt.Sprintf("%q directory created.", virtual)
}

func handleRMD(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	return removePath(ctx, n, sess, args[0], "dir")
}

func handleDELE(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	return removePath(ctx, n, sess, args[0], "file")
}

func removePath(ctx context.Context, n *Node, sess *session.View, target, kind string) (int, string) {
	peers := n.Locator.QueryByRole("DATA")
	if len(peers) == 0 {
		return 450, "No storage nodes available."
	}
	resp, ok := n.sendToAnyDataNode(ctx, peers, "DATA_REMOVE", map[string]interface{}{
		"user": sess.Username, "cwd": sess.Cwd, "path": target, "kind": kind,
	}, wire.DefaultTimeout)
	if !ok {
		return 450, "No storage nodes reachable."
	}
	if !resp.IsOK() {
		return 550, resp.Metadata.Message
	}
	verb := "DELE"
	if kind == "dir" {
		verb = "RMD"
	}
	return 250, verb + " command successful."
}

func handleRNFR(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	sess.RenameFrom = storage.NormalizeVirtualPath(sess.Cwd, args[0])
	return 350, "Requested file action pending further information."
}

func handleRNTO(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	from := sess.RenameFrom
	sess.RenameFrom = ""
	if from == "" {
		return 503, "Bad sequence of commands."
	}
	peers := n.Locator.QueryByRole("DATA")
	if len(peers) == 0 {
		return 450, "No storage nodes available."
	}
	resp, ok := n.sendToAnyDataNode(ctx, peers, "DATA_RENAME", map[string]interface{}{
		"user": sess.Username, "cwd": sess.Cwd, "from": from, "to": args[0],
	}, wire.DefaultTimeout)
	if !ok {
		return 450, "No storage nodes reachable."
	}
	if !resp.IsOK() {
		return 550, resp.Metadata.Message
	}
	return 250, "RNTO command successful."
}

func handleABOR(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	return 226, "Closing data connection."
}

// handleListVerb builds a verbHandler for LIST (detailed=true, UNIX long
// format) or NLST (detailed=false, bare names), since both share every step
// but the formatting flag passed to the storage node.
func handleListVerb(detailed bool) verbHandler {
	return func(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
		if !sess.PasvMode {
			return 425, "Use PASV first."
		}
		peers := n.Locator.QueryByRole("DATA")
		primary := pickPrimary(peers, sess.DataIP)
		if primary == "" {
			return 450, "No PASV primary selected."
		}
		path := "."
		if len(args) > 0 {
			path = args[0]
		}
		req := map[string]interface{}{
			"session_id": sess.SessionID, "user": sess.Username, "cwd": sess.Cwd,
			"path": path, "detailed": detailed,
		}
		resp, err := n.sendToAddr(ctx, primary, "DATA_LIST", req, dataTransferTimeout)
		sess.PasvMode = false
		sess.DataIP, sess.DataPort = "", 0
		if err != nil || resp == nil {
			return 451, "Requested action aborted: local error in processing."
		}
		if !resp.IsOK() {
			return 550, resp.Metadata.Message
		}
		return 226, "Transfer complete."
	}
}

func handleRETR(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	if !sess.PasvMode {
		return 425, "Use PASV first."
	}
	peers := n.Locator.QueryByRole("DATA")
	primary := pickPrimary(peers, sess.DataIP)
	if primary == "" {
		return 450, "No PASV primary selected."
	}
	req := map[string]interface{}{
		"session_id": sess.SessionID, "user": sess.Username, "cwd": sess.Cwd, "path": args[0],
	}
	resp, err := n.sendToAddr(ctx, primary, "DATA_RETR_FILE", req, dataTransferTimeout)
	sess.PasvMode = false
	sess.DataIP, sess.DataPort = "", 0
	if err != nil || resp == nil {
		return 451, "Requested action aborted: local error in processing."
	}
	if !resp.IsOK() {
		return 550, resp.Metadata.Message
	}
	return 226, "Transfer complete."
}

func handleSTOR(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	return storeFile(ctx, n, sess, args[0])
}

func handleSTOU(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	name := "file_" + uuid.NewString()[:8]
	return storeFile(ctx, n, sess, name)
}

func storeFile(ctx context.Context, n *Node, sess *session.View, requested string) (int, string) {
	if !sess.PasvMode {
		return 425, "Use PASV first."
	}
	peers := n.Locator.QueryByRole("DATA")
	primary := pickPrimary(peers, sess.DataIP)
	if primary == "" {
		return 450, "No PASV primary selected."
	}

	virtual := storage.NormalizeVirtualPath(sess.Cwd, requested)
	filename := namespacedFilename(sess.Username, virtual)
	version := n.maxVersion(ctx, peers, filename) + 1
	transferID := uuid.NewString()
	replicateTo := replicateTargets(peers, primary, n.cfg.ReplicationK-1)

	req := map[string]interface{}{
		"session_id": sess.SessionID, "user": sess.Username, "cwd": sess.Cwd, "path": requested,
		"version": version, "transfer_id": transferID, "replicate_to": replicateTo,
	}
	resp, err := n.sendToAddr(ctx, primary, "DATA_STORE_FILE", req, dataTransferTimeout)
	sess.PasvMode = false
	sess.DataIP, sess.DataPort = "", 0
	if err != nil || resp == nil {
		return 451, "Requested action aborted: local error in processing."
	}
	if resp.Metadata.Status == wire.StatusError {
		return 550, resp.Metadata.Message
	}
	// OK or partial: a store that landed on the primary but missed its
	// replication quorum is still a success from the client's side.
	return 226, fmt.Sprintf("File %q stored successfully.", requested)
}

func handleSYST(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	return 215, "UNIX Type: L8"
}

func handleSTAT(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	if len(args) == 0 {
		return 211, "System status, dftp server ready."
	}
	peers := n.Locator.QueryByRole("DATA")
	if len(peers) == 0 {
		return 450, "No storage nodes available."
	}
	resp, ok := n.sendToAnyDataNode(ctx, peers, "DATA_STAT", map[string]interface{}{
		"user": sess.Username, "cwd": sess.Cwd, "path": args[0],
	}, wire.DefaultTimeout)
	if !ok {
		return 450, "No storage nodes reachable."
	}
	if !resp.IsOK() {
		return 550, resp.Metadata.Message
	}
	return 213, fmt.Sprintf("%s %d bytes", resp.StringField("name"), payloadInt(resp.Payload, "size"))
}

func handleHELP(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	if len(args) == 0 {
		names := make([]string, 0, len(verbTable))
		for v := range verbTable {
			names = append(names, v)
		}
		return 214, "Commands: " + strings.Join(names, " ")
	}
	return 214, strings.ToUpper(args[0]) + " is a recognized command."
}

func handleNOOP(ctx context.Context, n *Node, sess *session.View, args []string) (int, string) {
	return 200, "NOOP command successful."
}
