package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"relaybot/internal/domain"

	"github.com/gorilla/websocket"
)

// WSConfig configures the WebSocket push channel.
type WSConfig struct {
	Port   int
	Path   string // endpoint path (default: /ws)
	Logger *slog.Logger
}

// WebSocketChannel pushes outbound messages to connected clients. Clients
// subscribe by chat via the chat_id query parameter.
type WebSocketChannel struct {
	port   int
	path   string
	server *http.Server
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

// wsMessage is the JSON frame pushed to clients.
type wsMessage struct {
	Type      string `json:"type"` // "message" | "status"
	MessageID string `json:"message_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewWebSocketChannel creates a WebSocket channel.
func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	return &WebSocketChannel{
		port:    cfg.Port,
		path:    cfg.Path,
		logger:  cfg.Logger,
		clients: map[string]*wsClient{},
	}
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

// Start runs the WebSocket server until ctx is cancelled.
func (ws *WebSocketChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.path, ws.handleUpgrade)

	ws.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", ws.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.logger.Info("websocket server starting", "port", ws.port, "path", ws.path)

	errCh := make(chan error, 1)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ws.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ws.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (ws *WebSocketChannel) Stop() error {
	// The server stops when Start's context is cancelled.
	return nil
}

// Send pushes msg to every client subscribed to its chat. Delivery needs at
// least one connected client; otherwise the dispatcher's retry pipeline gets
// a transient failure.
func (ws *WebSocketChannel) Send(ctx context.Context, msg *domain.Message) domain.SendResult {
	frame, err := json.Marshal(wsMessage{
		Type:      "message",
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		Content:   msg.Content,
	})
	if err != nil {
		return domain.Failure(fmt.Sprintf("websocket marshal: %v", err))
	}

	ws.mu.RLock()
	defer ws.mu.RUnlock()

	delivered := 0
	for _, client := range ws.clients {
		if client.chatID != msg.ChatID && msg.ChatID != "" {
			continue
		}
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, frame)
		client.mu.Unlock()
		if err != nil {
			ws.logger.Debug("websocket write failed", "chat_id", msg.ChatID, "err", err)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return domain.Failure(fmt.Sprintf("no websocket client connected for chat %s", msg.ChatID))
	}
	return domain.SendResult{OK: true, MessageID: msg.ID}
}

func (ws *WebSocketChannel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = fmt.Sprintf("ws-%d", time.Now().UnixNano())
	}

	client := &wsClient{conn: conn, chatID: chatID}
	clientID := fmt.Sprintf("%s-%p", chatID, conn)

	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()

	ws.logger.Info("websocket client connected", "client_id", clientID, "chat_id", chatID)

	client.mu.Lock()
	welcome, _ := json.Marshal(wsMessage{Type: "status", Content: "connected", ChatID: chatID})
	conn.WriteMessage(websocket.TextMessage, welcome)
	client.mu.Unlock()

	// Read loop: clients only subscribe, so reads exist to detect close.
	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}
	}
}

func (ws *WebSocketChannel) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}
