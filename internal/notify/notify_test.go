package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shareloop/shareloop/internal/model"
	"github.com/shareloop/shareloop/internal/store"
)

type captureSender struct {
	sent []*model.Notification
}

func (c *captureSender) Send(_ context.Context, n *model.Notification) error {
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureSender) Channel() string { return "capture" }

func setup(t *testing.T) (*Notifier, *captureSender, *store.Repositories) {
	t.Helper()
	repos := store.NewRepositories(store.NewMemory())
	sender := &captureSender{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repos, sender, logger), sender, repos
}

func newUser(t *testing.T, repos *store.Repositories, prefs map[model.NotificationType]bool) *model.UserProfile {
	t.Helper()
	p, err := repos.Profiles.Put(context.Background(), &model.UserProfile{
		Email:             "user@example.org",
		Name:              "Test User",
		Roles:             []model.Role{model.RoleRecipient},
		NotificationPrefs: prefs,
	})
	require.NoError(t, err)
	return p
}

func TestNotify_PersistsAndDelivers(t *testing.T) {
	ctx := context.Background()
	n, sender, repos := setup(t)
	user := newUser(t, repos, nil)

	entity := uuid.New()
	require.NoError(t, n.Notify(ctx, user.ID, model.NotifyMatchProposed, "New match", "new match for your demand", entity))

	inbox, err := n.Inbox(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, entity, inbox[0].EntityID)
	assert.Equal(t, "New match", inbox[0].Title)
	assert.Equal(t, []string{"in_app", "capture"}, inbox[0].DeliveryChannels)
	assert.False(t, inbox[0].Read)

	require.Len(t, sender.sent, 1)
}

func TestNotify_OptOutSkipsDeliveryButPersists(t *testing.T) {
	ctx := context.Background()
	n, sender, repos := setup(t)
	user := newUser(t, repos, map[model.NotificationType]bool{model.NotifyMatchProposed: false})

	require.NoError(t, n.Notify(ctx, user.ID, model.NotifyMatchProposed, "New match", "muted", uuid.New()))

	inbox, err := n.Inbox(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1, "record is written even when delivery is muted")
	assert.Equal(t, []string{"in_app"}, inbox[0].DeliveryChannels)
	assert.Empty(t, sender.sent)
}

func TestNotify_UnknownUserStillPersists(t *testing.T) {
	ctx := context.Background()
	n, _, _ := setup(t)

	ghost := uuid.New()
	require.NoError(t, n.Notify(ctx, ghost, model.NotifyTaskStatus, "Delivery update", "x", uuid.New()))

	inbox, err := n.Inbox(ctx, ghost, 10)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	n, _, repos := setup(t)
	user := newUser(t, repos, nil)

	require.NoError(t, n.Notify(ctx, user.ID, model.NotifyTaskScheduled, "Delivery scheduled", "pickup at 3pm", uuid.New()))
	inbox, err := n.Inbox(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1)

	read, err := n.MarkRead(ctx, user.ID, inbox[0].ID)
	require.NoError(t, err)
	assert.True(t, read.Read)

	// Idempotent.
	again, err := n.MarkRead(ctx, user.ID, inbox[0].ID)
	require.NoError(t, err)
	assert.Equal(t, read.Version, again.Version)

	// Another user cannot read someone else's notification.
	_, err = n.MarkRead(ctx, uuid.New(), inbox[0].ID)
	assert.Error(t, err)
}
