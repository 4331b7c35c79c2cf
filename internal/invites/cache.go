// Package invites resolves invite-link strings to chat identity and caches
// the association until membership or addressability changes make it stale.
package invites

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/danhigham/peerdb/internal/peer"
	"github.com/danhigham/peerdb/internal/runloop"
	"github.com/danhigham/peerdb/internal/transport"
)

// API is the single RPC the resolver issues.
type API interface {
	MessagesCheckChatInvite(ctx context.Context, hash string) (tg.ChatInviteClass, error)
}

// Entities absorbs the chat object a resolution may carry.
type Entities interface {
	OnGetChats(chats []tg.ChatClass)
}

// Preview describes a chat the local actor has not joined.
type Preview struct {
	Title       string
	MemberCount int
	IsBroadcast bool
	IsMegagroup bool
	IsPublic    bool
}

// Resolution is the outcome of resolving a link. Exactly one of Dialog and
// Preview is set; a zero Resolution means the link told us nothing.
type Resolution struct {
	Dialog  peer.DialogID
	Preview *Preview
}

// Known reports whether the resolution carries any information.
func (r Resolution) Known() bool { return r.Dialog.IsValid() || r.Preview != nil }

// Cache is the invite-link resolver. All state is owned by the run loop.
type Cache struct {
	logger *zap.Logger
	loop   *runloop.Loop
	api    API
	ents   Entities

	// Resolved links by hash, plus reverse index for invalidation by dialog.
	records  map[string]Resolution
	byDialog map[peer.DialogID][]string

	pending map[string][]func(Resolution, error)
}

// New creates a Cache.
func New(loop *runloop.Loop, api API, ents Entities, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		logger:   logger.Named("invites"),
		loop:     loop,
		api:      api,
		ents:     ents,
		records:  map[string]Resolution{},
		byDialog: map[peer.DialogID][]string{},
		pending:  map[string][]func(Resolution, error){},
	}
}

// LinkHash extracts the opaque hash from any accepted invite-link spelling:
// full URL, t.me path, or the bare hash with or without a leading plus.
func LinkHash(link string) string {
	s := link
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimPrefix(s, "+")
}

// Resolve maps a link to a chat identity or preview. Served from cache when
// possible; concurrent resolutions of the same link share one request. The
// callback runs on the loop.
func (c *Cache) Resolve(link string, cb func(Resolution, error)) {
	hash := LinkHash(link)
	if hash == "" {
		cb(Resolution{}, errors.New("empty invite hash"))
		return
	}
	if res, ok := c.records[hash]; ok {
		cb(res, nil)
		return
	}
	if waiters, inFlight := c.pending[hash]; inFlight {
		c.pending[hash] = append(waiters, cb)
		return
	}
	c.pending[hash] = []func(Resolution, error){cb}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		wire, err := c.api.MessagesCheckChatInvite(ctx, hash)
		c.loop.Submit(func() { c.finish(hash, wire, err) })
	}()
}

// Cached returns the cached resolution without triggering a fetch.
func (c *Cache) Cached(link string) (Resolution, bool) {
	res, ok := c.records[LinkHash(link)]
	return res, ok
}

func (c *Cache) finish(hash string, wire tg.ChatInviteClass, err error) {
	waiters := c.pending[hash]
	delete(c.pending, hash)

	if err != nil {
		if transport.IsInviteExpired(err) {
			// The link is dead; remember that it told us nothing.
			c.store(hash, Resolution{})
			for _, w := range waiters {
				w(Resolution{}, nil)
			}
			return
		}
		for _, w := range waiters {
			w(Resolution{}, errors.Wrap(err, "check invite"))
		}
		return
	}

	res := c.absorb(wire)
	c.store(hash, res)
	for _, w := range waiters {
		w(res, nil)
	}
}

func (c *Cache) absorb(wire tg.ChatInviteClass) Resolution {
	switch w := wire.(type) {
	case *tg.ChatInviteAlready:
		c.ents.OnGetChats([]tg.ChatClass{w.Chat})
		return Resolution{Dialog: dialogOfChat(w.Chat)}
	case *tg.ChatInvitePeek:
		c.ents.OnGetChats([]tg.ChatClass{w.Chat})
		return Resolution{Dialog: dialogOfChat(w.Chat)}
	case *tg.ChatInvite:
		return Resolution{Preview: &Preview{
			Title:       w.Title,
			MemberCount: w.ParticipantsCount,
			IsBroadcast: w.Broadcast,
			IsMegagroup: w.Megagroup,
			IsPublic:    w.Public,
		}}
	default:
		return Resolution{}
	}
}

func (c *Cache) store(hash string, res Resolution) {
	c.records[hash] = res
	if res.Dialog.IsValid() {
		c.byDialog[res.Dialog] = append(c.byDialog[res.Dialog], hash)
	}
}

// InvalidateDialog erases every link resolving to d. Wire this to membership
// changes and public/private flips: both make the cached association stale
// while cheaper addressing (membership, username) takes over.
func (c *Cache) InvalidateDialog(d peer.DialogID) {
	for _, hash := range c.byDialog[d] {
		delete(c.records, hash)
	}
	delete(c.byDialog, d)
}

// Len returns the number of cached resolutions.
func (c *Cache) Len() int { return len(c.records) }

func dialogOfChat(chat tg.ChatClass) peer.DialogID {
	switch w := chat.(type) {
	case *tg.Chat:
		return peer.FromChat(peer.ChatID(w.ID))
	case *tg.ChatForbidden:
		return peer.FromChat(peer.ChatID(w.ID))
	case *tg.Channel:
		return peer.FromChannel(peer.ChannelID(w.ID))
	case *tg.ChannelForbidden:
		return peer.FromChannel(peer.ChannelID(w.ID))
	default:
		return peer.DialogID{}
	}
}
