package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/notifyx/platform/internal/store"
	"github.com/notifyx/platform/internal/workflow"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secured via proxy in prod
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
	wsBuffer     = 256
)

// wsRequest is one client control message.
type wsRequest struct {
	// Action: subscribeRun, subscribeWorkflow, unsubscribe.
	Action string `json:"action"`
	ID     string `json:"id"`
	// Since, when present on subscribeRun, requests replay of buffered run
	// events with seq > since. Sequences start at 1, so 0 replays from the
	// beginning.
	Since *uint64 `json:"since,omitempty"`
}

type wsResponse struct {
	Status string `json:"status"`
	Action string `json:"action,omitempty"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// wsSession owns one websocket connection. Subscriptions are scoped to the
// authenticated tenant; the writer goroutine serialises all outbound
// frames.
type wsSession struct {
	conn      *websocket.Conn
	bus       *workflow.EventBus
	runs      store.RunStore
	workflows store.WorkflowStore
	tenantID  string
	logger    *zap.Logger

	mu   sync.Mutex
	subs map[string]chan workflow.Event
	out  chan interface{}
	done chan struct{}
}

// handleWebSocket serves GET /api/ws. Browsers cannot set headers on
// websocket dials, which is why the auth middleware also accepts api_key
// as a query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &wsSession{
		conn:      conn,
		bus:       s.bus,
		runs:      s.runs,
		workflows: s.workflows,
		tenantID:  tenantID,
		logger:    s.logger,
		subs:      make(map[string]chan workflow.Event),
		out:       make(chan interface{}, wsBuffer),
		done:      make(chan struct{}),
	}
	go sess.writeLoop()
	sess.readLoop()
}

func (s *wsSession) readLoop() {
	defer s.close()
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var req wsRequest
		if err := s.conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Action {
		case "subscribeRun":
			if !s.ownsRun(req) {
				continue
			}
			s.subscribe("run:"+req.ID, req,
				func() chan workflow.Event { return s.bus.SubscribeToRun(s.tenantID, req.ID, wsBuffer) })
			if req.Since != nil {
				for _, evt := range s.bus.ReplaySince(s.tenantID, req.ID, *req.Since) {
					s.send(evt)
				}
			}
		case "subscribeWorkflow":
			if !s.ownsWorkflow(req) {
				continue
			}
			s.subscribe("workflow:"+req.ID, req,
				func() chan workflow.Event { return s.bus.SubscribeToWorkflow(s.tenantID, req.ID, wsBuffer) })
		case "unsubscribe":
			s.unsubscribe(req)
		default:
			s.send(wsResponse{Status: "error", Action: req.Action, Error: "unknown action"})
		}
	}
}

// ownsRun rejects subscriptions to runs outside the session tenant. The
// lookup is tenant-scoped, so another tenant's run id reads as not found.
func (s *wsSession) ownsRun(req wsRequest) bool {
	if req.ID == "" {
		s.send(wsResponse{Status: "error", Action: req.Action, Error: "id is required"})
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.runs.GetRun(ctx, s.tenantID, req.ID); err != nil {
		s.send(wsResponse{Status: "error", Action: req.Action, ID: req.ID, Error: "run not found"})
		return false
	}
	return true
}

func (s *wsSession) ownsWorkflow(req wsRequest) bool {
	if req.ID == "" {
		s.send(wsResponse{Status: "error", Action: req.Action, Error: "id is required"})
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.workflows.Get(ctx, s.tenantID, req.ID); err != nil {
		s.send(wsResponse{Status: "error", Action: req.Action, ID: req.ID, Error: "workflow not found"})
		return false
	}
	return true
}

// subscribe is idempotent per (kind, id).
func (s *wsSession) subscribe(key string, req wsRequest, open func() chan workflow.Event) {
	if req.ID == "" {
		s.send(wsResponse{Status: "error", Action: req.Action, Error: "id is required"})
		return
	}
	s.mu.Lock()
	if _, ok := s.subs[key]; ok {
		s.mu.Unlock()
		s.send(wsResponse{Status: "ok", Action: req.Action, ID: req.ID})
		return
	}
	ch := open()
	s.subs[key] = ch
	s.mu.Unlock()

	go func() {
		for evt := range ch {
			s.send(evt)
		}
	}()
	s.send(wsResponse{Status: "ok", Action: req.Action, ID: req.ID})
}

func (s *wsSession) unsubscribe(req wsRequest) {
	s.mu.Lock()
	var ch chan workflow.Event
	for _, key := range []string{"run:" + req.ID, "workflow:" + req.ID} {
		if c, ok := s.subs[key]; ok {
			ch = c
			delete(s.subs, key)
			break
		}
	}
	s.mu.Unlock()
	if ch != nil {
		s.bus.Unsubscribe(ch)
	}
	s.send(wsResponse{Status: "ok", Action: req.Action, ID: req.ID})
}

// send queues a frame for the writer; frames are dropped when the client
// cannot keep up.
func (s *wsSession) send(v interface{}) {
	select {
	case s.out <- v:
	case <-s.done:
	default:
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case v := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteJSON(v); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]chan workflow.Event)
	s.mu.Unlock()
	for _, ch := range subs {
		s.bus.Unsubscribe(ch)
	}
	close(s.done)
	_ = s.conn.Close()
}
