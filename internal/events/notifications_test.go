package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func receive(t *testing.T, ch chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
		return Notification{}
	}
}

func TestNotifier_Lifecycle(t *testing.T) {
	n := NewNotifier(8, zap.NewNop())
	sub := n.Subscribe()
	defer n.Unsubscribe(sub)

	id := n.Start("Buying TKN with ETH..")
	started := receive(t, sub)
	assert.Equal(t, id, started.ID)
	assert.Equal(t, StatusPending, started.Status)

	require.True(t, n.Update(id, "Processing, waiting for confirmation"))
	assert.Equal(t, StatusProcessing, receive(t, sub).Status)
	assert.Len(t, n.Active(), 1)

	require.True(t, n.Complete(id, "Bought 500.00 TKN"))
	done := receive(t, sub)
	assert.Equal(t, id, done.ID, "terminal notification must replace the in-flight one")
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Empty(t, n.Active())

	got, ok := n.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Bought 500.00 TKN", got.Message)
}

func TestNotifier_TerminalIsFinal(t *testing.T) {
	n := NewNotifier(8, zap.NewNop())

	id := n.Start("Updating price")
	require.True(t, n.Reject(id, "Transaction rejected by user"))

	assert.False(t, n.Fail(id, "late failure"))
	assert.False(t, n.Complete(id, "late success"))

	got, _ := n.Get(id)
	assert.Equal(t, StatusRejected, got.Status)
}

func TestNotifier_UnknownID(t *testing.T) {
	n := NewNotifier(8, zap.NewNop())
	assert.False(t, n.Update("missing", "x"))
	_, ok := n.Get("missing")
	assert.False(t, ok)
}

func TestNotifier_Immediate(t *testing.T) {
	n := NewNotifier(8, zap.NewNop())
	sub := n.Subscribe()
	defer n.Unsubscribe(sub)

	id := n.Immediate(StatusError, "Amount must be greater than zero")
	got := receive(t, sub)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, StatusError, got.Status)
	assert.Empty(t, n.Active())
}

func TestNotifier_PrunesOldTerminal(t *testing.T) {
	n := NewNotifier(8, zap.NewNop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	old := n.Immediate(StatusSuccess, "done")
	now = now.Add(terminalRetention + time.Minute)
	n.Start("next")

	_, ok := n.Get(old)
	assert.False(t, ok)
}

func TestNotifier_DropsForSlowSubscriber(t *testing.T) {
	n := NewNotifier(1, zap.NewNop())
	sub := n.Subscribe()
	defer n.Unsubscribe(sub)

	n.Start("one")
	n.Start("two")

	assert.Len(t, sub, 1)
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := NewNotifier(1, zap.NewNop())
	sub := n.Subscribe()
	n.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	n.Unsubscribe(sub)
}
