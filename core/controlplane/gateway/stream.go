package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/cordum/extmgr/core/extensions"
	"github.com/cordum/extmgr/core/infra/bus"
	"github.com/cordum/extmgr/core/infra/logging"
	"github.com/gorilla/websocket"
)

// streamEvent is one websocket frame.
type streamEvent struct {
	Type  string            `json:"type"`
	Entry *extensions.Entry `json:"entry,omitempty"`
	Data  json.RawMessage   `json:"data,omitempty"`
}

// startBusTaps subscribes to history and config announcements once for the
// lifetime of the gateway and fans them out to websocket clients.
func (s *server) startBusTaps() {
	if s.bus == nil {
		return
	}
	if err := s.bus.Subscribe(bus.SubjectHistoryAppended, "", func(p *bus.Packet) error {
		var entry extensions.Entry
		if err := p.Decode(&entry); err != nil {
			return err
		}
		s.broadcast(streamEvent{Type: "history", Entry: &entry})
		return nil
	}); err != nil {
		logging.Error("gateway", "bus subscribe failed", "subject", bus.SubjectHistoryAppended, "error", err)
	}
	if err := s.bus.Subscribe(bus.SubjectConfigChanged, "", func(p *bus.Packet) error {
		s.broadcast(streamEvent{Type: "config", Data: p.Payload})
		return nil
	}); err != nil {
		logging.Error("gateway", "bus subscribe failed", "subject", bus.SubjectConfigChanged, "error", err)
	}
	go s.fanout()
}

func (s *server) broadcast(ev streamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Error("gateway", "stream marshal failed", "error", err)
		return
	}
	select {
	case s.eventsCh <- data:
	default:
	}
}

// fanout delivers events to every client. Clients that cannot keep up are
// dropped.
func (s *server) fanout() {
	for evt := range s.eventsCh {
		var slowClients []*websocket.Conn
		s.clientsMu.RLock()
		for conn, ch := range s.clients {
			select {
			case ch <- evt:
			default:
				slowClients = append(slowClients, conn)
			}
		}
		s.clientsMu.RUnlock()

		if len(slowClients) > 0 {
			s.clientsMu.Lock()
			for _, conn := range slowClients {
				delete(s.clients, conn)
			}
			s.clientsMu.Unlock()
			for _, conn := range slowClients {
				if err := conn.Close(); err != nil {
					logging.Error("gateway", "ws client close failed", "error", err)
				}
			}
		}
	}
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("gateway", "ws connected", "remote", r.RemoteAddr)

	clientCh := make(chan []byte, 100)
	s.clientsMu.Lock()
	s.clients[ws] = clientCh
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
	}()

	// Reads only detect the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-clientCh:
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
