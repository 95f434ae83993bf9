package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rajivgeraev/flippy-trades/internal/models"
	"github.com/rajivgeraev/flippy-trades/internal/notify"
	"github.com/rajivgeraev/flippy-trades/internal/utils"
)

func setup(t *testing.T) (*Manager, *utils.JWTService, *httptest.Server) {
	t.Helper()
	manager := NewManager(zap.NewNop())
	jwtService := utils.NewJWTService("secret")
	server := httptest.NewServer(Handler(manager, jwtService))
	t.Cleanup(func() {
		manager.Shutdown()
		server.Close()
	})
	return manager, jwtService, server
}

func wsURL(server *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/?token=" + token
}

func TestHandlerRejectsMissingToken(t *testing.T) {
	_, _, server := setup(t)

	_, resp, err := gws.DefaultDialer.Dial(wsURL(server, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendDeliversOnlyToRecipients(t *testing.T) {
	manager, jwtService, server := setup(t)

	alice, bob := uuid.New(), uuid.New()
	aliceToken, err := jwtService.GenerateToken(alice)
	require.NoError(t, err)
	bobToken, err := jwtService.GenerateToken(bob)
	require.NoError(t, err)

	aliceConn, _, err := gws.DefaultDialer.Dial(wsURL(server, aliceToken), nil)
	require.NoError(t, err)
	defer aliceConn.Close()
	bobConn, _, err := gws.DefaultDialer.Dial(wsURL(server, bobToken), nil)
	require.NoError(t, err)
	defer bobConn.Close()

	assert.Eventually(t, func() bool { return manager.Online(alice) == 1 && manager.Online(bob) == 1 },
		time.Second, 10*time.Millisecond)

	e := notify.Event{
		Type:         notify.EventAccepted,
		TradeID:      uuid.New(),
		Status:       models.StatusAccepted,
		RecipientIDs: []uuid.UUID{alice},
	}
	require.NoError(t, manager.Send(context.Background(), e))

	aliceConn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := aliceConn.ReadMessage()
	require.NoError(t, err)

	var got notify.Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, e.TradeID, got.TradeID)
	assert.Equal(t, notify.EventAccepted, got.Type)

	bobConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = bobConn.ReadMessage()
	assert.Error(t, err)
}

func TestRemoveClientOnDisconnect(t *testing.T) {
	manager, jwtService, server := setup(t)

	userID := uuid.New()
	token, err := jwtService.GenerateToken(userID)
	require.NoError(t, err)

	conn, _, err := gws.DefaultDialer.Dial(wsURL(server, token), nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return manager.Online(userID) == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return manager.Online(userID) == 0 }, time.Second, 10*time.Millisecond)
}
