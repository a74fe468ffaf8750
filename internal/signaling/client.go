package signaling

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/auth"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	readLimit    = 1 << 20 // RTP parameter blobs can get large
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one WebSocket connection. The read pump feeds the session
// strictly in order; the write pump owns all writes including pings.
type Client struct {
	socketID string
	userID   string
	name     string

	conn    *websocket.Conn
	send    chan Message
	session *Session
	logger  *zap.Logger

	closeOnce sync.Once
}

func (c *Client) SocketID() string    { return c.socketID }
func (c *Client) UserID() string      { return c.userID }
func (c *Client) DisplayName() string { return c.name }

// Enqueue queues a message for delivery; a full buffer drops the message
// rather than blocking the caller.
func (c *Client) Enqueue(msg Message) {
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("signaling send buffer full, dropping",
			zap.String("socket_id", c.socketID), zap.String("event", msg.Event))
	}
}

// ServeWs upgrades the connection and runs the session until disconnect. The
// handshake carries the access token in the "token" query field.
func ServeWs(deps *Deps, tokens *auth.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
			return
		}
		claims, err := tokens.ValidateAccess(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			deps.Logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			socketID: uuid.New().String(),
			userID:   claims.UserID,
			name:     claims.Name,
			conn:     conn,
			send:     make(chan Message, 256),
			logger:   deps.Logger,
		}
		client.session = NewSession(deps, client, claims.UserID, claims.Email, claims.Name)

		if deps.Metrics != nil {
			deps.Metrics.Sessions.Inc()
		}
		deps.Logger.Info("signaling session opened",
			zap.String("socket_id", client.socketID), zap.String("user_id", claims.UserID))

		go client.writePump()
		client.readPump()

		if deps.Metrics != nil {
			deps.Metrics.Sessions.Dec()
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		// Disconnect cleanup runs with its own deadline; the socket context
		// is already gone.
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		c.session.Cleanup(ctx)
		cancel()
		c.close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("socket_id", c.socketID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.session.Handle(context.Background(), msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
