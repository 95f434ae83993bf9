package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readTimeout    = 60 * time.Second
	pingInterval   = readTimeout * 9 / 10
	writeTimeout   = 10 * time.Second
	maxInboundSize = 4 * 1024
	outboxSize     = 64
)

// Client - одно WebSocket соединение пользователя. Канал односторонний:
// сервер пушит события, от клиента ожидаются только control-фреймы.
type Client struct {
	ID     uuid.UUID
	UserID uuid.UUID

	conn      *websocket.Conn
	manager   *Manager
	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient создает клиента для установленного соединения
func NewClient(userID uuid.UUID, conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		ID:      uuid.New(),
		UserID:  userID,
		conn:    conn,
		manager: manager,
		outbox:  make(chan []byte, outboxSize),
		done:    make(chan struct{}),
	}
}

// Start регистрирует клиента в менеджере и запускает чтение и запись
func (c *Client) Start() {
	c.manager.AddClient(c)
	go c.listen()
	go c.deliver()
}

// Close закрывает соединение; повторные вызовы ничего не делают
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// enqueue ставит сообщение в очередь без блокировки.
// false означает, что клиент не успевает читать.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	case c.outbox <- payload:
		return true
	default:
		return false
	}
}

// listen читает входящие фреймы, чтобы обрабатывать pong и закрытие соединения
func (c *Client) listen() {
	defer func() {
		c.manager.RemoveClient(c.ID)
		c.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
	extend := func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.manager.logger.Debug("WebSocket закрыт клиентом", zap.Stringer("client_id", c.ID), zap.Error(err))
			}
			return
		}
	}
}

// deliver пишет сообщения из очереди и периодически пингует клиента
func (c *Client) deliver() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.manager.logger.Debug("Ошибка отправки в WebSocket", zap.Stringer("client_id", c.ID), zap.Error(err))
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
