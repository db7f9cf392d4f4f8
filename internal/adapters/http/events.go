package httpadapter

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

// streamDocumentEvents serves lifecycle events of one document as
// Server-Sent Events until the client goes away.
func (rt *Router) streamDocumentEvents(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("document_id")
	if _, err := rt.docs.GetByID(r.Context(), documentID); err != nil {
		writeDomainError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := rt.events.SubscribeDocument(documentID)
	defer sub.Close()
	if rt.metrics != nil {
		defer rt.metrics.StreamOpened(serviceName, "sse")()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": subscribed\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(rt.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				// Dropped by the broker for falling behind.
				return
			}
			if err := writeSSE(w, event); err != nil {
				rt.logger.Warn("sse_write_failed", "document_id", documentID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, data)
	return err
}

// clientMessage is sent by websocket clients to change their follow set.
type clientMessage struct {
	Action     string `json:"action"`
	DocumentID string `json:"document_id"`
}

// serverMessage wraps everything written to a websocket client.
type serverMessage struct {
	Type       string        `json:"type"`
	Action     string        `json:"action,omitempty"`
	DocumentID string        `json:"document_id,omitempty"`
	Error      string        `json:"error,omitempty"`
	Event      *domain.Event `json:"event,omitempty"`
}

// clientEventsHandler streams events for documents the client started or
// follows. Origin checks are left to the deployment proxy.
func (rt *Router) clientEventsHandler() http.Handler {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   rt.serveClientEvents,
	}
}

func (rt *Router) serveClientEvents(ws *websocket.Conn) {
	defer ws.Close()
	req := ws.Request()
	clientID := strings.TrimSpace(req.PathValue("client_id"))
	if clientID == "" {
		_ = websocket.JSON.Send(ws, serverMessage{Type: "error", Error: "client id is required"})
		return
	}

	sub := rt.events.SubscribeClient(clientID)
	defer sub.Close()
	if rt.metrics != nil {
		defer rt.metrics.StreamOpened(serviceName, "websocket")()
	}

	var sendMu sync.Mutex
	send := func(msg serverMessage) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return websocket.JSON.Send(ws, msg)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg clientMessage
			if err := websocket.JSON.Receive(ws, &msg); err != nil {
				return
			}
			if err := send(rt.applyClientMessage(req, clientID, msg)); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-req.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				_ = send(serverMessage{Type: "error", Error: "subscriber fell behind"})
				return
			}
			if err := send(serverMessage{Type: "event", Event: &event}); err != nil {
				rt.logger.Warn("websocket_send_failed", "client_id", clientID, "error", err)
				return
			}
		}
	}
}

func (rt *Router) applyClientMessage(req *http.Request, clientID string, msg clientMessage) serverMessage {
	documentID := strings.TrimSpace(msg.DocumentID)
	reply := serverMessage{Type: "ack", Action: msg.Action, DocumentID: documentID}
	if documentID == "" {
		return serverMessage{Type: "error", Action: msg.Action, Error: "document_id is required"}
	}
	switch msg.Action {
	case "follow":
		if _, err := rt.docs.GetByID(req.Context(), documentID); err != nil {
			return serverMessage{Type: "error", Action: msg.Action, DocumentID: documentID, Error: err.Error()}
		}
		rt.events.Follow(clientID, documentID)
	case "unfollow":
		rt.events.Unfollow(clientID, documentID)
	default:
		return serverMessage{Type: "error", Action: msg.Action, Error: fmt.Sprintf("unknown action %q", msg.Action)}
	}
	return reply
}
