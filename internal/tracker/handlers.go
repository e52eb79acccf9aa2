package tracker

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/chunkswarm/chunkswarm/internal/trackerproto"
	"github.com/chunkswarm/chunkswarm/internal/wire"
)

// Handle processes one request datagram's payload from (sourceHost,
// sourcePort) and returns the single response datagram to send back
// (spec §4.2: one request, one response, no protocol-level retry).
func (t *Tracker) Handle(frame string, sourceHost string, sourcePort int) string {
	verb := firstToken(frame)
	if verb == "" {
		return "400 EMPTY_REQUEST"
	}

	// The number of leading tokens to split off is verb-specific: too
	// few and a fixed-arity verb like CHANGE_USERNAME loses a field to
	// payload, too many and a verb carrying a JSON payload (REGISTER,
	// UPDATE_FILES) has that payload swallowed into the token list
	// whenever it happens to contain no spaces of its own, which a
	// compact json.Marshal output never does.
	tokens, payload := wire.Split(frame, maxTokensFor(verb))

	switch verb {
	case "PING":
		return "200 OK: PONG"
	case "REGISTER":
		return t.handleRegister(tokens, payload, sourceHost, sourcePort)
	case "UPDATE_FILES":
		return t.handleUpdateFiles(tokens, payload, sourceHost, sourcePort)
	case "CHANGE_USERNAME":
		return t.handleChangeUsername(tokens)
	case "KEEP_ALIVE":
		return t.handleKeepAlive(tokens, sourceHost, sourcePort)
	case "DISCONNECT":
		return t.handleDisconnect(tokens, sourceHost, sourcePort, "explicit")
	case "LIST_ACTIVE":
		return t.handleListActive(tokens)
	case "LIST_FILES":
		return t.handleListFiles()
	case "GET_PEERS":
		return t.handleGetPeers(tokens)
	default:
		glog.Warningf("tracker: unknown verb %q from %s:%d", verb, sourceHost, sourcePort)
		return "400 UNKNOWN_VERB"
	}
}

// firstToken returns frame's leading whitespace-delimited token (the
// verb), without consuming the rest of the line.
func firstToken(frame string) string {
	frame = strings.TrimLeft(strings.TrimRight(frame, "\r\n"), " ")
	if idx := strings.IndexByte(frame, ' '); idx >= 0 {
		return frame[:idx]
	}
	return frame
}

// maxTokensFor returns how many leading tokens wire.Split should peel
// off for verb, leaving the rest as payload. REGISTER and UPDATE_FILES
// carry a trailing JSON payload and so must stop exactly at their last
// non-payload token; CHANGE_USERNAME takes its four fixed fields; every
// other verb has no payload and reads at most one argument, so two
// tokens are split off and anything after them is ignored.
func maxTokensFor(verb string) int {
	switch verb {
	case "REGISTER":
		return 3 // REGISTER, kind, username
	case "UPDATE_FILES":
		return 2 // UPDATE_FILES, username
	case "CHANGE_USERNAME":
		return 4 // CHANGE_USERNAME, oldName, newName, host:port
	default:
		return 2 // KEEP_ALIVE/DISCONNECT/GET_PEERS take at most one argument
	}
}

func (t *Tracker) handleRegister(tokens []string, payload, host string, port int) string {
	if len(tokens) < 3 {
		return "400 MALFORMED_REGISTER"
	}
	kind, username := tokens[1], tokens[2]
	if kind != "seeder" && kind != "leecher" {
		return "400 INVALID_KIND"
	}

	var files trackerproto.FilesPayload
	if kind == "seeder" {
		if payload == "" {
			return "400 MISSING_FILES_PAYLOAD"
		}
		if err := json.Unmarshal([]byte(payload), &files); err != nil {
			return "400 MALFORMED_JSON"
		}
	}

	key := addrKey(host, port)

	t.mu.Lock()

	existing, rebinding := t.peers[key]
	if !rebinding && len(t.peers) >= t.peerLimit {
		t.mu.Unlock()
		glog.Infof("tracker: REGISTER rejected for %s@%s:%d: peer_limit=%d reached", username, host, port, t.peerLimit)
		t.audit.Record("REGISTER", username, host, port, "403 full")
		return "403 TRACKER_FULL"
	}

	if boundKey, taken := t.usernames[username]; taken && boundKey != key {
		t.mu.Unlock()
		glog.Infof("tracker: REGISTER rejected for %s@%s:%d: username already bound to %s", username, host, port, boundKey)
		t.audit.Record("REGISTER", username, host, port, "409 duplicate_name")
		return "409 USERNAME_TAKEN"
	}

	var rec *peerRecord
	if rebinding {
		if t.usernames[existing.username] == key {
			delete(t.usernames, existing.username)
		}
		rec = existing
		rec.username = username
		rec.kind = kind
	} else {
		rec = &peerRecord{
			id:   NewPeerID(),
			addr: trackerproto.PeerAddress{Host: host, Port: port},
			kind: kind,
		}
		t.peers[key] = rec
		rec.username = username
	}
	rec.lastActivity = time.Now()
	t.usernames[username] = key

	var conflicts []int
	if kind == "seeder" {
		_, conflicts = t.applyFileSetLocked(rec, files.Files)
	} else {
		t.applyFileSetLocked(rec, nil) // leecher: no advertised files
	}
	peerID, fileCount := rec.id, len(rec.files)
	t.mu.Unlock()

	result := trackerproto.RegisterResult{PeerID: peerID, Conflicts: conflicts}
	body, _ := json.Marshal(result)
	glog.Infof("tracker: REGISTER %s %s@%s:%d id=%s (rebind=%v, files=%d, conflicts=%d)",
		kind, username, host, port, peerID, rebinding, fileCount, len(conflicts))
	t.audit.Record("REGISTER", username, host, port, "201")
	return "201 REGISTERED " + string(body)
}

func (t *Tracker) handleUpdateFiles(tokens []string, payload, host string, port int) string {
	if len(tokens) < 2 {
		return "400 MALFORMED_UPDATE_FILES"
	}
	username := tokens[1]
	if payload == "" {
		return "400 MISSING_FILES_PAYLOAD"
	}
	var files trackerproto.FilesPayload
	if err := json.Unmarshal([]byte(payload), &files); err != nil {
		return "400 MALFORMED_JSON"
	}

	key := addrKey(host, port)
	t.mu.Lock()

	rec, ok := t.peers[key]
	if !ok || rec.username != username {
		t.mu.Unlock()
		return "403 NOT_REGISTERED"
	}
	if rec.kind != "seeder" {
		t.mu.Unlock()
		return "400 NOT_A_SEEDER"
	}

	_, conflicts := t.applyFileSetLocked(rec, files.Files)
	rec.lastActivity = time.Now()
	peerID, fileCount := rec.id, len(rec.files)
	t.mu.Unlock()

	result := trackerproto.RegisterResult{PeerID: peerID, Conflicts: conflicts}
	body, _ := json.Marshal(result)
	glog.Infof("tracker: UPDATE_FILES %s@%s:%d -> %d files (conflicts=%d)", username, host, port, fileCount, len(conflicts))
	t.audit.Record("UPDATE_FILES", username, host, port, "200")
	return "200 FILES_UPDATED " + string(body)
}

func (t *Tracker) handleChangeUsername(tokens []string) string {
	if len(tokens) < 4 {
		return "400 MALFORMED_CHANGE_USERNAME"
	}
	oldName, newName, rawAddr := tokens[1], tokens[2], tokens[3]
	host, portStr, ok := strings.Cut(rawAddr, ":")
	if !ok {
		return "400 MALFORMED_ADDR"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "400 MALFORMED_ADDR"
	}

	key := addrKey(host, port)
	t.mu.Lock()

	rec, ok := t.peers[key]
	if !ok || rec.username != oldName {
		t.mu.Unlock()
		return "403 NOT_REGISTERED"
	}
	if boundKey, taken := t.usernames[newName]; taken && boundKey != key {
		t.mu.Unlock()
		return "409 USERNAME_TAKEN"
	}

	delete(t.usernames, oldName)
	rec.username = newName
	t.usernames[newName] = key
	rec.lastActivity = time.Now()
	t.mu.Unlock()

	glog.Infof("tracker: CHANGE_USERNAME %s -> %s at %s", oldName, newName, rawAddr)
	t.audit.Record("CHANGE_USERNAME", newName, host, port, "200")
	return "200 USERNAME_CHANGED"
}

func (t *Tracker) handleKeepAlive(tokens []string, host string, port int) string {
	if len(tokens) < 2 {
		return "400 MALFORMED_KEEP_ALIVE"
	}
	username := tokens[1]
	key := addrKey(host, port)

	t.mu.Lock()
	rec, ok := t.peers[key]
	if !ok || rec.username != username {
		t.mu.Unlock()
		t.audit.Record("KEEP_ALIVE", username, host, port, "403")
		return "403 NOT_REGISTERED"
	}
	rec.lastActivity = time.Now()
	t.mu.Unlock()

	glog.V(1).Infof("tracker: KEEP_ALIVE %s@%s:%d", username, host, port)
	return "200 OK"
}

func (t *Tracker) handleDisconnect(tokens []string, host string, port int, reason string) string {
	if len(tokens) < 2 {
		return "400 MALFORMED_DISCONNECT"
	}
	username := tokens[1]
	key := addrKey(host, port)

	t.mu.Lock()
	rec, ok := t.peers[key]
	if !ok || rec.username != username {
		t.mu.Unlock()
		return "403 NOT_REGISTERED"
	}
	t.removePeerLocked(key)
	t.mu.Unlock()

	glog.Infof("tracker: DISCONNECT %s@%s:%d (reason=%s)", username, host, port, reason)
	t.audit.Record("DISCONNECT", username, host, port, "200 "+reason)
	return "200 DISCONNECTED"
}

func (t *Tracker) handleListActive(tokens []string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var resp trackerproto.ListActiveResponse
	for _, rec := range t.peers {
		entry := trackerproto.ActivePeer{PeerID: rec.id, Username: rec.username, Host: rec.addr.Host, Port: rec.addr.Port}
		if rec.kind == "seeder" {
			resp.Seeders = append(resp.Seeders, entry)
		} else {
			resp.Leechers = append(resp.Leechers, entry)
		}
	}
	sort.Slice(resp.Seeders, func(i, j int) bool { return resp.Seeders[i].Username < resp.Seeders[j].Username })
	sort.Slice(resp.Leechers, func(i, j int) bool { return resp.Leechers[i].Username < resp.Leechers[j].Username })

	body, _ := json.Marshal(resp)
	return "200 OK " + string(body)
}

func (t *Tracker) handleListFiles() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	resp := make(trackerproto.ListFilesResponse, len(t.repo))
	for filename, entries := range t.repo {
		if len(entries) == 0 {
			continue
		}
		resp[filename] = entries[0].size
	}
	body, _ := json.Marshal(resp)
	return "200 OK " + string(body)
}

func (t *Tracker) handleGetPeers(tokens []string) string {
	if len(tokens) < 2 {
		return "400 MALFORMED_GET_PEERS"
	}
	filename := tokens[1]

	t.mu.Lock()
	defer t.mu.Unlock()

	entries, ok := t.repo[filename]
	if !ok || len(entries) == 0 {
		return "404 FILE_NOT_FOUND"
	}

	resp := trackerproto.GetPeersResponse{
		Status:   "200 OK",
		Filename: filename,
		Size:     entries[0].size,
		Checksum: entries[0].digest,
	}
	for _, e := range entries {
		resp.Seeders = append(resp.Seeders, [2]string{e.addr.Host, strconv.Itoa(e.addr.Port)})
		resp.SeederIDs = append(resp.SeederIDs, e.peerID)
	}
	body, _ := json.Marshal(resp)
	return fmt.Sprintf("200 OK %s", body)
}
