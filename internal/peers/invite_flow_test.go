package peers

import (
	"context"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/danhigham/peerdb/internal/domain"
	"github.com/danhigham/peerdb/internal/event"
	"github.com/danhigham/peerdb/internal/invites"
	"github.com/danhigham/peerdb/internal/peer"
	"github.com/danhigham/peerdb/internal/runloop"
)

// A resolved invite link must not outlive cheaper addressing: once the
// channel turns public its username resolves it, and the cached link entry
// goes away.
func TestInviteLinkInvalidatedOnPublicFlip(t *testing.T) {
	loop := runloop.New(zap.NewNop())
	api := newFakeAPI()

	var cache *invites.Cache
	mgr := New(Options{
		Loop:   loop,
		DB:     newMemDB(),
		API:    api,
		Sink:   &event.Recorder{},
		Logger: zap.NewNop(),
		SelfID: testSelfID,
		Hooks: Hooks{
			UsernameChanged: func(d peer.DialogID, oldName, newName string) {
				cache.InvalidateDialog(d)
			},
			MembershipChanged: func(d peer.DialogID, _ domain.MemberStatus) {
				cache.InvalidateDialog(d)
			},
		},
	})
	cache = invites.New(loop, api, mgr, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// The link points at a channel that is still private.
	api.checkInvite = func(hash string) (tg.ChatInviteClass, error) {
		ch := &tg.Channel{ID: 20, Title: "news", Broadcast: true}
		ch.SetAccessHash(7)
		return &tg.ChatInviteAlready{Chat: ch}, nil
	}

	resolved := make(chan invites.Resolution, 1)
	loop.Call(func() {
		cache.Resolve("t.me/joinchat/AAAA", func(res invites.Resolution, err error) {
			require.NoError(t, err)
			resolved <- res
		})
	})
	select {
	case res := <-resolved:
		assert.Equal(t, peer.FromChannel(20), res.Dialog)
	case <-time.After(2 * time.Second):
		t.Fatal("resolution never completed")
	}

	// The channel goes public: the username update invalidates the link.
	loop.Call(func() {
		ch := &tg.Channel{ID: 20, Title: "news", Broadcast: true}
		ch.SetAccessHash(7)
		ch.SetUsername("foo")
		mgr.OnGetChannel(ch)
	})

	loop.Call(func() {
		_, ok := cache.Cached("AAAA")
		assert.False(t, ok, "link entry must be erased")

		d, ok := mgr.ResolveUsername("foo")
		require.True(t, ok, "username lookup must survive invalidation")
		assert.Equal(t, peer.FromChannel(20), d)
	})
}
