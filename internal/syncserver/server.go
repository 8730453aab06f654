// Package syncserver is the reference log-and-snapshot collaborator: it
// accepts pushed operations, serves bootstrap/pull reads, and broadcasts
// freshly pushed ops to connected WebSocket clients so they can pull eagerly
// instead of waiting for their next poll tick.
package syncserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aggregat4/prototype-lists-sub000/pkg/syncproto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is a single-dataset log-and-snapshot collaborator. It is a demo
// counterpart to the core, kept free of persistence beyond the in-memory op
// log held for the lifetime of the process.
type Server struct {
	mu                   sync.RWMutex
	datasetGenerationKey string
	serverSeq            uint64
	ops                  []syncproto.SyncOp
	seen                 map[syncproto.DedupeKey]struct{}
	snapshot             *string

	clientsMux sync.RWMutex
	clients    map[string]*Client
	broadcast  chan []syncproto.SyncOp
}

// Client is one connected WebSocket subscriber, notified with the raw op
// batch whenever a push succeeds.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []syncproto.SyncOp
	server *Server
}

// New constructs a Server seeded with its initial dataset generation key.
func New(initialDatasetGenerationKey string) *Server {
	if initialDatasetGenerationKey == "" {
		initialDatasetGenerationKey = "gen-" + uuid.NewString()
	}
	return &Server{
		datasetGenerationKey: initialDatasetGenerationKey,
		seen:                 make(map[syncproto.DedupeKey]struct{}),
		clients:              make(map[string]*Client),
		broadcast:            make(chan []syncproto.SyncOp, 256),
	}
}

// Start launches the broadcast fan-out goroutine. Call once before serving.
func (s *Server) Start() {
	go s.handleBroadcast()
}

func (s *Server) handleBroadcast() {
	for ops := range s.broadcast {
		s.clientsMux.RLock()
		for _, c := range s.clients {
			select {
			case c.send <- ops:
			default:
				close(c.send)
				delete(s.clients, c.id)
			}
		}
		s.clientsMux.RUnlock()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// HandleBootstrap serves GET /sync/bootstrap.
func (s *Server) HandleBootstrap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.RLock()
	resp := syncproto.BootstrapResponse{
		DatasetGenerationKey: s.datasetGenerationKey,
		Snapshot:             s.snapshot,
		ServerSeq:            s.serverSeq,
		Ops:                  append([]syncproto.SyncOp(nil), s.ops...),
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, resp)
}

// HandlePush serves POST /sync/push.
func (s *Server) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req syncproto.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		http.Error(w, "clientId required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if req.DatasetGenerationKey != s.datasetGenerationKey {
		conflict := syncproto.ConflictResponse{DatasetGenerationKey: s.datasetGenerationKey, Snapshot: s.snapshotOrEmptyLocked()}
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, conflict)
		return
	}

	var accepted []syncproto.SyncOp
	for _, op := range req.Ops {
		key := op.Key()
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.serverSeq++
		seq := s.serverSeq
		op.ServerSeq = &seq
		s.ops = append(s.ops, op)
		accepted = append(accepted, op)
	}
	seq := s.serverSeq
	s.mu.Unlock()

	if len(accepted) > 0 {
		select {
		case s.broadcast <- accepted:
		default:
			log.Printf("syncserver: broadcast channel full, dropping live notification for %d ops", len(accepted))
		}
	}
	writeJSON(w, http.StatusOK, syncproto.PushResponse{ServerSeq: seq})
}

// HandlePull serves GET /sync/pull?since=N&clientId=C&datasetGenerationKey=K.
func (s *Server) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	since, err := strconv.ParseUint(q.Get("since"), 10, 64)
	if err != nil {
		http.Error(w, "invalid since parameter", http.StatusBadRequest)
		return
	}
	key := q.Get("datasetGenerationKey")

	s.mu.RLock()
	defer s.mu.RUnlock()
	if key != s.datasetGenerationKey {
		writeJSON(w, http.StatusConflict, syncproto.ConflictResponse{DatasetGenerationKey: s.datasetGenerationKey, Snapshot: s.snapshotOrEmptyLocked()})
		return
	}

	var delta []syncproto.SyncOp
	for _, op := range s.ops {
		if op.ServerSeq != nil && *op.ServerSeq > since {
			delta = append(delta, op)
		}
	}
	writeJSON(w, http.StatusOK, syncproto.PullResponse{
		ServerSeq:            s.serverSeq,
		DatasetGenerationKey: s.datasetGenerationKey,
		Ops:                  delta,
	})
}

// HandleReset serves POST /sync/reset: replaces the entire log with a fresh
// snapshot under a new dataset generation key, rejecting reuse of the
// current key.
func (s *Server) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req syncproto.ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if req.DatasetGenerationKey == s.datasetGenerationKey {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, syncproto.ConflictResponse{DatasetGenerationKey: s.datasetGenerationKey, Snapshot: s.snapshotOrEmptyLocked()})
		return
	}
	s.datasetGenerationKey = req.DatasetGenerationKey
	s.serverSeq = 0
	s.ops = nil
	s.seen = make(map[syncproto.DedupeKey]struct{})
	snap := req.Snapshot
	s.snapshot = &snap
	seq := s.serverSeq
	newKey := s.datasetGenerationKey
	s.mu.Unlock()

	log.Printf("syncserver: dataset reset by client %s, new generation key %s", req.ClientID, newKey)
	writeJSON(w, http.StatusOK, syncproto.ResetResponse{ServerSeq: seq, DatasetGenerationKey: newKey})
}

// snapshotOrEmptyLocked returns the current snapshot text, or "" if none has
// ever been set. Callers must hold s.mu.
func (s *Server) snapshotOrEmptyLocked() string {
	if s.snapshot == nil {
		return ""
	}
	return *s.snapshot
}

// HandleWebSocket upgrades the connection and registers the client to
// receive live op broadcasts following any /sync/push.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("syncserver: websocket upgrade failed: %v", err)
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	client := &Client{id: clientID, conn: conn, send: make(chan []syncproto.SyncOp, 256), server: s}

	s.clientsMux.Lock()
	s.clients[clientID] = client
	s.clientsMux.Unlock()

	go client.writePump()
	go client.readPump()

	log.Printf("syncserver: client connected: %s", clientID)
}

func (c *Client) readPump() {
	defer func() {
		c.server.clientsMux.Lock()
		delete(c.server.clients, c.id)
		c.server.clientsMux.Unlock()
		c.conn.Close()
		log.Printf("syncserver: client disconnected: %s", c.id)
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("syncserver: websocket read error: %v", err)
			}
			break
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for ops := range c.send {
		if err := c.conn.WriteJSON(ops); err != nil {
			log.Printf("syncserver: websocket write error: %v", err)
			return
		}
	}
}

// EnableCORS wraps a handler with permissive CORS headers for the local
// demo client.
func EnableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}
