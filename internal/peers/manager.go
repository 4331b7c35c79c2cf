package peers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/danhigham/peerdb/internal/domain"
	"github.com/danhigham/peerdb/internal/entity"
	"github.com/danhigham/peerdb/internal/event"
	"github.com/danhigham/peerdb/internal/fullinfo"
	"github.com/danhigham/peerdb/internal/peer"
	"github.com/danhigham/peerdb/internal/runloop"
	"github.com/danhigham/peerdb/internal/storage"
	"github.com/danhigham/peerdb/internal/transport"
)

// defaultFullTTL is how long a fetched full record stays trusted.
const defaultFullTTL = 5 * time.Minute

// Hooks are the sibling-collaborator notifications fired by the dispatcher.
// Every field is optional.
type Hooks struct {
	// TitleChanged fires when a dialog's display name or title changed.
	TitleChanged func(d peer.DialogID, title string)
	// PhotoChanged fires when a dialog's photo changed.
	PhotoChanged func(d peer.DialogID, photo domain.Photo)
	// PhotoFiles registers the file ids referenced by a dialog's new photo,
	// for reference-counted file lifetime tracking.
	PhotoFiles func(d peer.DialogID, fileIDs []int64)
	// UsernameChanged fires when a public username was assigned or dropped.
	UsernameChanged func(d peer.DialogID, oldName, newName string)
	// PermissionsChanged fires when a group's default permissions changed.
	PermissionsChanged func(d peer.DialogID, rights domain.RestrictedRights)
	// MembershipChanged fires when the local actor's standing in a dialog
	// changed. The invite-link cache invalidates on it.
	MembershipChanged func(d peer.DialogID, status domain.MemberStatus)
	// ContactFlagChanged fires when a user's contact flag flipped.
	ContactFlagChanged func(id peer.UserID, isContact bool)
}

// Options configures a Manager.
type Options struct {
	Loop    *runloop.Loop
	DB      storage.Store
	API     transport.Invoker
	Sink    event.Sink
	Hooks   Hooks
	Logger  *zap.Logger
	SelfID  peer.UserID
	FullTTL time.Duration
}

// Manager is the entity engine. All state is owned by the run loop; methods
// not documented otherwise must be called from it.
type Manager struct {
	logger *zap.Logger
	loop   *runloop.Loop
	db     storage.Store
	api    transport.Invoker
	sink   event.Sink
	hooks  Hooks
	selfID peer.UserID

	users       *entity.Store[peer.UserID, User]
	chats       *entity.Store[peer.ChatID, Chat]
	channels    *entity.Store[peer.ChannelID, Channel]
	secretChats *entity.Store[peer.SecretChatID, SecretChat]

	userFulls    *fullinfo.Cache[peer.UserID, UserFull]
	chatFulls    *fullinfo.Cache[peer.ChatID, ChatFull]
	channelFulls *fullinfo.Cache[peer.ChannelID, ChannelFull]

	// Cached channel participant lists, patched speculatively.
	channelParticipants map[peer.ChannelID][]Participant

	usernames map[string]peer.DialogID
}

// New creates a Manager. Call ReplayLog once before feeding updates.
func New(opts Options) *Manager {
	if opts.Sink == nil {
		opts.Sink = event.Discard{}
	}
	if opts.FullTTL == 0 {
		opts.FullTTL = defaultFullTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m := &Manager{
		logger:              opts.Logger.Named("peers"),
		loop:                opts.Loop,
		db:                  opts.DB,
		api:                 opts.API,
		sink:                opts.Sink,
		hooks:               opts.Hooks,
		selfID:              opts.SelfID,
		channelParticipants: map[peer.ChannelID][]Participant{},
		usernames:           map[string]peer.DialogID{},
	}

	m.users = entity.NewStore(entity.Descriptor[peer.UserID, User]{
		Name:        "user",
		LogCategory: storage.LogUser,
		New: func(id peer.UserID) *User {
			return &User{ID: id, AccessHash: accessHashUnknown, CacheVersion: entity.CacheFormatVersion}
		},
		ID:           func(u *User) peer.UserID { return u.ID },
		Key:          func(id peer.UserID) []byte { return storage.UserKey(id) },
		Encode:       encodeJSON[User],
		Decode:       decodeJSON[User],
		Meta:         func(u *User) *entity.Meta { return &u.Meta },
		CacheVersion: func(u *User) int { return u.CacheVersion },
		SideEffects:  m.userSideEffects,
		Publish:      m.publishUser,
		CanRepair:    func(_ peer.UserID, u *User) bool { return u.HaveAccess() },
		Repair:       func(id peer.UserID, u *User) { m.reloadUser(id) },
	}, opts.Loop, opts.DB, opts.Logger)

	m.chats = entity.NewStore(entity.Descriptor[peer.ChatID, Chat]{
		Name:        "chat",
		LogCategory: storage.LogChat,
		New: func(id peer.ChatID) *Chat {
			return &Chat{ID: id, DefaultPermissions: domain.AllRestrictedRights(), CacheVersion: entity.CacheFormatVersion}
		},
		ID:           func(c *Chat) peer.ChatID { return c.ID },
		Key:          func(id peer.ChatID) []byte { return storage.ChatKey(id) },
		Encode:       encodeJSON[Chat],
		Decode:       decodeJSON[Chat],
		Meta:         func(c *Chat) *entity.Meta { return &c.Meta },
		CacheVersion: func(c *Chat) int { return c.CacheVersion },
		SideEffects:  m.chatSideEffects,
		Publish:      m.publishChat,
		CanRepair:    func(peer.ChatID, *Chat) bool { return true },
		Repair:       func(id peer.ChatID, c *Chat) { m.reloadChat(id) },
	}, opts.Loop, opts.DB, opts.Logger)

	m.channels = entity.NewStore(entity.Descriptor[peer.ChannelID, Channel]{
		Name:        "channel",
		LogCategory: storage.LogChannel,
		New: func(id peer.ChannelID) *Channel {
			return &Channel{ID: id, AccessHash: accessHashUnknown, DefaultPermissions: domain.AllRestrictedRights(), CacheVersion: entity.CacheFormatVersion}
		},
		ID:           func(c *Channel) peer.ChannelID { return c.ID },
		Key:          func(id peer.ChannelID) []byte { return storage.ChannelKey(id) },
		Encode:       encodeJSON[Channel],
		Decode:       decodeJSON[Channel],
		Meta:         func(c *Channel) *entity.Meta { return &c.Meta },
		CacheVersion: func(c *Channel) int { return c.CacheVersion },
		SideEffects:  m.channelSideEffects,
		Publish:      m.publishChannel,
		CanRepair:    func(_ peer.ChannelID, c *Channel) bool { return c.HaveAccess() },
		Repair:       func(id peer.ChannelID, c *Channel) { m.reloadChannel(id) },
	}, opts.Loop, opts.DB, opts.Logger)

	m.secretChats = entity.NewStore(entity.Descriptor[peer.SecretChatID, SecretChat]{
		Name:        "secret_chat",
		LogCategory: storage.LogSecretChat,
		New: func(id peer.SecretChatID) *SecretChat {
			return &SecretChat{ID: id, State: SecretChatWaiting, CacheVersion: entity.CacheFormatVersion}
		},
		ID:           func(s *SecretChat) peer.SecretChatID { return s.ID },
		Key:          func(id peer.SecretChatID) []byte { return storage.SecretChatKey(id) },
		Encode:       encodeJSON[SecretChat],
		Decode:       decodeJSON[SecretChat],
		Meta:         func(s *SecretChat) *entity.Meta { return &s.Meta },
		CacheVersion: func(s *SecretChat) int { return s.CacheVersion },
		SideEffects:  m.secretChatSideEffects,
		Publish:      m.publishSecretChat,
		// Secret chats are local constructs; there is nothing to refetch.
		CanRepair: func(peer.SecretChatID, *SecretChat) bool { return false },
		Repair:    func(peer.SecretChatID, *SecretChat) {},
	}, opts.Loop, opts.DB, opts.Logger)

	m.userFulls = fullinfo.New[peer.UserID, UserFull]("user_full", opts.FullTTL, opts.Logger)
	m.userFulls.SetFetcher(m.fetchUserFull)
	m.chatFulls = fullinfo.New[peer.ChatID, ChatFull]("chat_full", opts.FullTTL, opts.Logger)
	m.chatFulls.SetFetcher(m.fetchChatFull)
	m.channelFulls = fullinfo.New[peer.ChannelID, ChannelFull]("channel_full", opts.FullTTL, opts.Logger)
	m.channelFulls.SetFetcher(m.fetchChannelFull)

	return m
}

// ReplayLog rebuilds records whose keyed-store write never confirmed before
// the last shutdown, then finishes those saves. Must run on the loop before
// any update is fed.
func (m *Manager) ReplayLog() error {
	return m.db.ReplayLog(func(slot uint64, cat storage.LogCategory, payload []byte) error {
		switch cat {
		case storage.LogUser:
			return m.users.RestoreFromLog(slot, payload)
		case storage.LogChat:
			return m.chats.RestoreFromLog(slot, payload)
		case storage.LogChannel:
			return m.channels.RestoreFromLog(slot, payload)
		case storage.LogSecretChat:
			return m.secretChats.RestoreFromLog(slot, payload)
		default:
			return fmt.Errorf("unknown log category %d in slot %d", cat, slot)
		}
	})
}

// SetSelf records the authenticated user's id. Speculative mutations and
// InputPeerSelf resolution depend on it.
func (m *Manager) SetSelf(id peer.UserID) {
	m.selfID = id
}

// Counts returns the number of in-memory records per kind, for inspection.
func (m *Manager) Counts() (users, chats, channels, secretChats int) {
	return m.users.Len(), m.chats.Len(), m.channels.Len(), m.secretChats.Len()
}

// invoke runs an RPC off the loop and posts its completion back on it.
func invoke[T any](m *Manager, call func(ctx context.Context) (T, error), done func(T, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		res, err := call(ctx)
		m.loop.Submit(func() { done(res, err) })
	}()
}
