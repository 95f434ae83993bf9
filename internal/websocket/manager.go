package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rajivgeraev/flippy-trades/internal/notify"
)

// Manager хранит WebSocket соединения онлайн-пользователей.
// Реализует notify.Sink: события обменов пересылаются участникам.
type Manager struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Client
	byUser map[uuid.UUID]map[uuid.UUID]*Client // userID -> clientID -> client
	logger *zap.Logger
}

var _ notify.Sink = (*Manager)(nil)

// NewManager создает новый экземпляр Manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		byID:   make(map[uuid.UUID]*Client),
		byUser: make(map[uuid.UUID]map[uuid.UUID]*Client),
		logger: logger,
	}
}

// AddClient регистрирует соединение пользователя
func (m *Manager) AddClient(client *Client) {
	m.mu.Lock()
	m.byID[client.ID] = client
	if m.byUser[client.UserID] == nil {
		m.byUser[client.UserID] = make(map[uuid.UUID]*Client)
	}
	m.byUser[client.UserID][client.ID] = client
	m.mu.Unlock()

	m.logger.Debug("WebSocket клиент подключен",
		zap.Stringer("client_id", client.ID),
		zap.Stringer("user_id", client.UserID),
	)
}

// RemoveClient забывает соединение; повторный вызов ничего не делает
func (m *Manager) RemoveClient(clientID uuid.UUID) {
	m.mu.Lock()
	client, ok := m.byID[clientID]
	if ok {
		delete(m.byID, clientID)
		if conns := m.byUser[client.UserID]; conns != nil {
			delete(conns, clientID)
			if len(conns) == 0 {
				delete(m.byUser, client.UserID)
			}
		}
	}
	m.mu.Unlock()

	if ok {
		m.logger.Debug("WebSocket клиент отключен",
			zap.Stringer("client_id", clientID),
			zap.Stringer("user_id", client.UserID),
		)
	}
}

// Online возвращает число соединений пользователя
func (m *Manager) Online(userID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

func (m *Manager) Name() string { return "websocket" }

// Send пересылает событие всем соединениям получателей. Офлайн-получатели
// пропускаются: событие не хранится и не доставляется повторно.
func (m *Manager) Send(_ context.Context, e notify.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события: %w", err)
	}

	for _, userID := range e.RecipientIDs {
		m.SendToUser(userID, payload)
	}
	return nil
}

// SendToUser отправляет сообщение всем соединениям пользователя.
// Медленный клиент с переполненной очередью отключается.
func (m *Manager) SendToUser(userID uuid.UUID, payload []byte) {
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.byUser[userID]))
	for _, c := range m.byUser[userID] {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if c.enqueue(payload) {
			continue
		}
		m.logger.Warn("Очередь клиента переполнена, соединение закрыто", zap.Stringer("client_id", c.ID))
		m.RemoveClient(c.ID)
		c.Close()
	}
}

// Shutdown закрывает все соединения
func (m *Manager) Shutdown() {
	m.mu.Lock()
	clients := m.byID
	m.byID = make(map[uuid.UUID]*Client)
	m.byUser = make(map[uuid.UUID]map[uuid.UUID]*Client)
	m.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	m.logger.Info("WebSocket соединения закрыты", zap.Int("count", len(clients)))
}
