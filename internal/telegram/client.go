package telegram

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/danhigham/peerdb/internal/domain"
	"github.com/danhigham/peerdb/internal/peer"
	"github.com/danhigham/peerdb/internal/peers"
	"github.com/danhigham/peerdb/internal/runloop"
)

// Client connects a gotd Telegram session to the entity engine. It owns the
// update dispatcher and forwards everything entity-shaped onto the run loop.
//
// Construction is two-step: NewClient builds the session so API() can be
// handed to the engine, then Bind attaches the engine before Run.
type Client struct {
	apiID      int
	apiHash    string
	sessionDir string
	logger     *zap.Logger

	loop    *runloop.Loop
	manager *peers.Manager

	authFlow auth.UserAuthenticator
	onReady  func()

	client *telegram.Client
	gaps   *updates.Manager
}

// Options configures a Client. Loop is required.
type Options struct {
	APIID      int
	APIHash    string
	SessionDir string
	Loop       *runloop.Loop
	Auth       auth.UserAuthenticator
	Logger     *zap.Logger
	// OnReady fires once the session is authenticated and the initial
	// dialog sweep finished.
	OnReady func()
}

func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{
		apiID:      opts.APIID,
		apiHash:    opts.APIHash,
		sessionDir: opts.SessionDir,
		logger:     opts.Logger.Named("telegram"),
		loop:       opts.Loop,
		authFlow:   opts.Auth,
		onReady:    opts.OnReady,
	}

	c.gaps = updates.New(updates.Config{
		Handler: c.dispatcher(),
		Logger:  c.logger.Named("gaps"),
	})

	c.client = telegram.NewClient(c.apiID, c.apiHash, telegram.Options{
		Logger:         c.logger,
		UpdateHandler:  c.gaps,
		SessionStorage: &session.FileStorage{Path: filepath.Join(c.sessionDir, "session.json")},
	})

	return c
}

// API exposes the raw RPC client. It satisfies the engine's invoker port and
// is valid from construction; calls fail until Run has connected.
func (c *Client) API() *tg.Client {
	return c.client.API()
}

// Bind attaches the entity engine. Must be called before Run.
func (c *Client) Bind(m *peers.Manager) {
	c.manager = m
}

// absorb feeds the entities attached to an update batch into the engine.
func (c *Client) absorb(e tg.Entities) {
	if len(e.Users) == 0 && len(e.Chats) == 0 && len(e.Channels) == 0 {
		return
	}
	c.loop.Submit(func() {
		for _, u := range e.Users {
			c.manager.OnGetUser(u)
		}
		for _, ch := range e.Chats {
			c.manager.OnGetChat(ch)
		}
		for _, ch := range e.Channels {
			c.manager.OnGetChannel(ch)
		}
	})
}

func (c *Client) dispatcher() tg.UpdateDispatcher {
	d := tg.NewUpdateDispatcher()

	// Message traffic carries fresh entity objects; they are the main way
	// the engine hears about peers it never asked for.
	d.OnNewMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateNewMessage) error {
		c.absorb(e)
		return nil
	})
	d.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateNewChannelMessage) error {
		c.absorb(e)
		return nil
	})

	d.OnUserName(func(ctx context.Context, e tg.Entities, update *tg.UpdateUserName) error {
		c.absorb(e)
		username := ""
		for _, u := range update.Usernames {
			if u.Active {
				username = u.Username
				break
			}
		}
		c.loop.Submit(func() {
			c.manager.OnUpdateUserName(peer.UserID(update.UserID), update.FirstName, update.LastName, username)
		})
		return nil
	})

	d.OnUserStatus(func(ctx context.Context, e tg.Entities, update *tg.UpdateUserStatus) error {
		c.loop.Submit(func() {
			c.manager.OnUpdateUserStatus(peer.UserID(update.UserID), update.Status)
		})
		return nil
	})

	d.OnChatParticipants(func(ctx context.Context, e tg.Entities, update *tg.UpdateChatParticipants) error {
		c.absorb(e)
		p, ok := update.Participants.(*tg.ChatParticipants)
		if !ok {
			return nil
		}
		c.loop.Submit(func() {
			c.manager.OnUpdateChatParticipantCount(peer.ChatID(p.ChatID), len(p.Participants), p.Version)
		})
		return nil
	})

	d.OnChatDefaultBannedRights(func(ctx context.Context, e tg.Entities, update *tg.UpdateChatDefaultBannedRights) error {
		c.absorb(e)
		rights := domain.RestrictedRightsFromTG(update.DefaultBannedRights)
		switch p := update.Peer.(type) {
		case *tg.PeerChat:
			c.loop.Submit(func() {
				c.manager.OnUpdateChatDefaultPermissions(peer.ChatID(p.ChatID), rights, update.Version)
			})
		case *tg.PeerChannel:
			c.loop.Submit(func() {
				c.manager.OnUpdateChannelDefaultPermissions(peer.ChannelID(p.ChannelID), rights)
			})
		}
		return nil
	})

	return d
}

// Run connects, authenticates if necessary, seeds the engine from the dialog
// list and then processes updates until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if c.manager == nil {
		return fmt.Errorf("no engine bound")
	}

	return c.client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(c.authFlow, auth.SendCodeOptions{})
		if err := c.client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("auth: %w", err)
		}

		self, err := c.client.Self(ctx)
		if err != nil {
			return fmt.Errorf("get self: %w", err)
		}
		c.loop.Call(func() {
			c.manager.SetSelf(peer.UserID(self.ID))
			c.manager.OnGetUser(self)
		})

		if err := c.warmStart(ctx); err != nil {
			c.logger.Warn("Initial dialog sweep failed", zap.Error(err))
		}

		if c.onReady != nil {
			c.onReady()
		}

		return c.gaps.Run(ctx, c.client.API(), self.ID, updates.AuthOptions{})
	})
}

// warmStart pulls the first page of dialogs so the engine starts out knowing
// the peers the account actually talks to.
func (c *Client) warmStart(ctx context.Context) error {
	res, err := c.client.API().MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		Limit:      100,
		OffsetPeer: &tg.InputPeerEmpty{},
	})
	if err != nil {
		return fmt.Errorf("get dialogs: %w", err)
	}

	var users []tg.UserClass
	var chats []tg.ChatClass
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		users, chats = d.Users, d.Chats
	case *tg.MessagesDialogsSlice:
		users, chats = d.Users, d.Chats
	default:
		return nil
	}

	c.loop.Call(func() {
		c.manager.OnGetUsers(users)
		c.manager.OnGetChats(chats)
	})
	return nil
}
