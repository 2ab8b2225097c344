package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/rephlax/clutchcrew/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingChat struct {
	opened   []models.SessionFormed
	closed   []models.SessionClosedEvent
	notified []string
	err      error
}

func (c *recordingChat) OpenRoom(_ context.Context, ev models.SessionFormed) error {
	c.opened = append(c.opened, ev)
	return c.err
}

func (c *recordingChat) CloseRoom(_ context.Context, ev models.SessionClosedEvent) error {
	c.closed = append(c.closed, ev)
	return c.err
}

func (c *recordingChat) NotifyPlayer(_ context.Context, playerID, _ string, _ interface{}) error {
	c.notified = append(c.notified, playerID)
	return c.err
}

type recordingGame struct {
	formed []models.SessionFormed
	closed []models.SessionClosedEvent
	err    error
}

func (g *recordingGame) InstantiateMatch(_ context.Context, ev models.SessionFormed) error {
	g.formed = append(g.formed, ev)
	return g.err
}

func (g *recordingGame) TeardownMatch(_ context.Context, ev models.SessionClosedEvent) error {
	g.closed = append(g.closed, ev)
	return g.err
}

func TestGateway_SessionFormedReachesBothChannels(t *testing.T) {
	chat := &recordingChat{}
	game := &recordingGame{}
	gw := NewGateway(chat, game, zap.NewNop())

	err := gw.SessionFormed(context.Background(), models.Session{
		SessionID: "s1",
		Members:   []string{"p1", "p2"},
		GameMode:  "ranked",
	})
	require.NoError(t, err)

	require.Len(t, chat.opened, 1)
	assert.Equal(t, []string{"p1", "p2"}, chat.opened[0].Members)
	require.Len(t, game.formed, 1)
	assert.Equal(t, "ranked", game.formed[0].GameMode)
}

func TestGateway_FailureIsReportedNotRetried(t *testing.T) {
	chat := &recordingChat{err: errors.New("room service down")}
	game := &recordingGame{}
	gw := NewGateway(chat, game, zap.NewNop())

	err := gw.SessionFormed(context.Background(), models.Session{SessionID: "s1", Members: []string{"p1"}})
	assert.ErrorIs(t, err, ErrGatewayDelivery)
	assert.Len(t, chat.opened, 1, "no retry")
	assert.Len(t, game.formed, 1, "game still notified when chat fails")
}

func TestGateway_SessionClosedCarriesReason(t *testing.T) {
	chat := &recordingChat{}
	game := &recordingGame{}
	gw := NewGateway(chat, game, nil)

	reason := models.CloseTimeout
	err := gw.SessionClosed(context.Background(), models.Session{
		SessionID:   "s1",
		Members:     []string{"p1", "p2"},
		CloseReason: &reason,
	})
	require.NoError(t, err)

	require.Len(t, chat.closed, 1)
	assert.Equal(t, models.CloseTimeout, chat.closed[0].Reason)
	require.Len(t, game.closed, 1)
}

func TestGateway_QueuePositionChanged(t *testing.T) {
	chat := &recordingChat{}
	gw := NewGateway(chat, NoopGameChannel{}, nil)

	err := gw.QueuePositionChanged(context.Background(), models.QueuePositionChanged{PlayerID: "p9", Position: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"p9"}, chat.notified)

	chat.err = errors.New("offline")
	err = gw.QueuePositionChanged(context.Background(), models.QueuePositionChanged{PlayerID: "p9"})
	assert.ErrorIs(t, err, ErrGatewayDelivery)
}
