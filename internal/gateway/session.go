package gateway

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"converse/internal/chat"
	"converse/internal/chat/engine"
	"converse/internal/chat/store"
)

const (
	egressBuffer = 256
	sendTimeout  = 5 * time.Second
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
)

// clientFrame is one inbound action from the presentation client.
type clientFrame struct {
	Action          string `json:"action"` // open | close | send | retry | typing | typing-stop | status
	CounterpartID   string `json:"counterpartId,omitempty"`
	ConversationKey string `json:"conversationKey,omitempty"`
	MessageID       string `json:"messageId,omitempty"`
	Content         string `json:"content,omitempty"`
	UserID          string `json:"userId,omitempty"`
}

// serverFrame is one outbound frame.
type serverFrame struct {
	Type            string              `json:"type"` // conversation | message | read | removed | conversations | status | degraded | error
	ConversationKey string              `json:"conversationKey,omitempty"`
	Message         *chat.Message       `json:"message,omitempty"`
	Conversation    *chat.Conversation  `json:"conversation,omitempty"`
	Conversations   []chat.Conversation `json:"conversations,omitempty"`
	UserID          string              `json:"userId,omitempty"`
	Typing          bool                `json:"typing,omitempty"`
	Online          bool                `json:"online,omitempty"`
	Error           string              `json:"error,omitempty"`
}

type session struct {
	conn   *websocket.Conn
	eng    *engine.Engine
	egress chan serverFrame
	done   chan struct{}
}

func runSession(conn *websocket.Conn, eng *engine.Engine) {
	s := &session{
		conn:   conn,
		eng:    eng,
		egress: make(chan serverFrame, egressBuffer),
		done:   make(chan struct{}),
	}

	eng.SetOnChange(s.pushChange)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		s.writeNow(serverFrame{Type: "error", Error: err.Error()})
		conn.Close()
		return
	}
	defer eng.Close()

	go s.writePump()
	s.readLoop(ctx)

	close(s.done)
	conn.Close()
}

// pushChange forwards engine changes to the client: the message delta plus
// a refreshed conversation list.
func (s *session) pushChange(change store.Change) {
	switch change.Kind {
	case store.ChangeAppended, store.ChangeUpdated:
		s.enqueue(serverFrame{
			Type:            "message",
			ConversationKey: change.ConversationKey,
			Message:         &change.Message,
		})
	case store.ChangeMarkedRead:
		s.enqueue(serverFrame{Type: "read", ConversationKey: change.ConversationKey})
	case store.ChangeRemoved:
		s.enqueue(serverFrame{
			Type:            "removed",
			ConversationKey: change.ConversationKey,
			Message:         &change.Message,
		})
	}
	s.enqueue(serverFrame{Type: "conversations", Conversations: s.eng.Conversations()})
}

func (s *session) enqueue(frame serverFrame) {
	select {
	case s.egress <- frame:
	case <-s.done:
	case <-time.After(sendTimeout):
		// Slow consumer: drop the frame rather than stall the engine.
		log.Printf("gateway: egress full, dropping %s frame", frame.Type)
	}
}

func (s *session) readLoop(ctx context.Context) {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("gateway: read error: %v", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.enqueue(serverFrame{Type: "error", Error: "malformed frame"})
			continue
		}
		s.handle(ctx, frame)
	}
}

func (s *session) handle(ctx context.Context, frame clientFrame) {
	switch frame.Action {
	case "open":
		conv, err := s.eng.OpenConversation(ctx, frame.CounterpartID)
		if err != nil {
			s.enqueue(serverFrame{Type: "error", Error: err.Error()})
			return
		}
		s.enqueue(serverFrame{Type: "conversation", ConversationKey: conv.ID, Conversation: &conv})
		for _, msg := range s.eng.Messages() {
			msg := msg
			s.enqueue(serverFrame{Type: "message", ConversationKey: conv.ID, Message: &msg})
		}

	case "close":
		s.eng.CloseConversation()

	case "send":
		if _, err := s.eng.Send(ctx, frame.ConversationKey, frame.Content); err != nil {
			// The Failed message stays visible with a retry affordance; the
			// error frame carries the reason alongside it.
			s.enqueue(serverFrame{Type: "error", ConversationKey: frame.ConversationKey, Error: err.Error()})
		}

	case "retry":
		if _, err := s.eng.RetrySend(ctx, frame.ConversationKey, frame.MessageID); err != nil {
			s.enqueue(serverFrame{Type: "error", ConversationKey: frame.ConversationKey, Error: err.Error()})
		}

	case "typing":
		s.eng.StartTyping(ctx, frame.CounterpartID)

	case "typing-stop":
		s.eng.StopTyping(ctx, frame.CounterpartID)

	case "status":
		s.enqueue(serverFrame{
			Type:   "status",
			UserID: frame.UserID,
			Typing: s.eng.IsUserTyping(frame.UserID),
			Online: s.eng.IsUserOnline(frame.UserID),
		})

	default:
		s.enqueue(serverFrame{Type: "error", Error: "unknown action: " + frame.Action})
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.egress:
			if err := s.writeNow(frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) writeNow(frame serverFrame) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(frame)
}
