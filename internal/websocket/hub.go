package websocket

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rephlax/clutchcrew/internal/models"
	"go.uber.org/zap"
)

// Hub WebSocket 연결 관리, 세션별 채팅방 관리
type Hub struct {
	// 플레이어별 연결 (playerID -> *Client)
	clients map[string]*Client
	// 세션별 채팅방 (sessionID -> members)
	rooms map[string][]string
	// 플레이어가 속한 채팅방 (playerID -> sessionID)
	memberOf map[string]string
	mu       sync.RWMutex

	broadcast chan *Message

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// Message WebSocket 메시지
type Message struct {
	PlayerID string      `json:"-"`       // 수신자 (빈 문자열이면 전체 브로드캐스트)
	Type     string      `json:"type"`    // 메시지 타입
	Payload  interface{} `json:"payload"` // 메시지 내용
}

// ChatMessage 채팅방 메시지
type ChatMessage struct {
	SessionID string `json:"sessionId"`
	From      string `json:"from"`
	Text      string `json:"text"`
}

const MessageChat = "chat_message"

var ErrHubStopped = errors.New("websocket hub stopped")

// NewHub Hub 생성. allowedOrigins가 비어 있으면 모든 Origin 허용.
func NewHub(logger *zap.Logger, allowedOrigins ...string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string][]string),
		memberOf:   make(map[string]string),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader:   newUpgrader(allowedOrigins),
		logger:     logger,
	}
}

// Run Hub 실행 (ctx 취소 시 종료)
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)

		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return nil
		}
	}
}

// registerClient 클라이언트 등록
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// 기존 연결이 있으면 닫기
	if oldClient, exists := h.clients[client.playerID]; exists {
		close(oldClient.send)
		h.logger.Info("Replaced existing WebSocket connection",
			zap.String("playerId", client.playerID))
	}

	h.clients[client.playerID] = client
	h.logger.Info("WebSocket client registered",
		zap.String("playerId", client.playerID),
		zap.Int("totalClients", len(h.clients)))
}

// unregisterClient 클라이언트 해제
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, exists := h.clients[client.playerID]; exists && current == client {
		delete(h.clients, client.playerID)
		close(client.send)
		h.logger.Info("WebSocket client unregistered",
			zap.String("playerId", client.playerID),
			zap.Int("totalClients", len(h.clients)))
	}
}

// join 클라이언트 등록 요청 (Hub 종료 후에는 무시)
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// leave 클라이언트 해제 요청 (Hub 종료 후에는 무시)
func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
}

// broadcastMessage 메시지 전달
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if message.PlayerID == "" {
		for _, client := range h.clients {
			select {
			case client.send <- message:
			default:
				h.logger.Warn("Client send channel full, unregistering",
					zap.String("playerId", client.playerID))
				go h.leave(client)
			}
		}
		return
	}

	if client, exists := h.clients[message.PlayerID]; exists {
		select {
		case client.send <- message:
		default:
			h.logger.Warn("Client send channel full",
				zap.String("playerId", message.PlayerID))
		}
	}
}

// SendToPlayer 특정 플레이어에게 메시지 전송
func (h *Hub) SendToPlayer(ctx context.Context, playerID, msgType string, payload interface{}) error {
	select {
	case h.broadcast <- &Message{PlayerID: playerID, Type: msgType, Payload: payload}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast 모든 플레이어에게 메시지 전송
func (h *Hub) Broadcast(ctx context.Context, msgType string, payload interface{}) error {
	return h.SendToPlayer(ctx, "", msgType, payload)
}

// OpenRoom 세션 채팅방 생성 후 멤버에게 알림
func (h *Hub) OpenRoom(ctx context.Context, ev models.SessionFormed) error {
	h.mu.Lock()
	h.rooms[ev.SessionID] = append([]string(nil), ev.Members...)
	for _, m := range ev.Members {
		h.memberOf[m] = ev.SessionID
	}
	h.mu.Unlock()

	for _, m := range ev.Members {
		if err := h.SendToPlayer(ctx, m, "session_formed", ev); err != nil {
			return err
		}
	}
	return nil
}

// CloseRoom 세션 채팅방 종료
func (h *Hub) CloseRoom(ctx context.Context, ev models.SessionClosedEvent) error {
	h.mu.Lock()
	members, ok := h.rooms[ev.SessionID]
	delete(h.rooms, ev.SessionID)
	for _, m := range members {
		if h.memberOf[m] == ev.SessionID {
			delete(h.memberOf, m)
		}
	}
	h.mu.Unlock()

	if !ok {
		members = ev.Members
	}
	for _, m := range members {
		if err := h.SendToPlayer(ctx, m, "session_closed", ev); err != nil {
			return err
		}
	}
	return nil
}

// NotifyPlayer 플레이어 개인 알림
func (h *Hub) NotifyPlayer(ctx context.Context, playerID, msgType string, payload interface{}) error {
	return h.SendToPlayer(ctx, playerID, msgType, payload)
}

// RelayChat 보낸 플레이어가 속한 채팅방 멤버 모두에게 전달
func (h *Hub) RelayChat(ctx context.Context, from, text string) bool {
	h.mu.RLock()
	sessionID, ok := h.memberOf[from]
	members := append([]string(nil), h.rooms[sessionID]...)
	h.mu.RUnlock()

	if !ok {
		return false
	}

	msg := ChatMessage{SessionID: sessionID, From: from, Text: text}
	for _, m := range members {
		if err := h.SendToPlayer(ctx, m, MessageChat, msg); err != nil {
			return false
		}
	}
	return true
}

// RoomCount 열린 채팅방 수
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
