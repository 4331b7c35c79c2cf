// Package transport defines the narrow RPC surface the engine issues against
// Telegram, plus the error classification shared by every caller.
//
// Invoker is satisfied by *tg.Client; tests substitute fakes.
package transport

import (
	"context"

	"github.com/gotd/td/tg"
)

// Invoker is the subset of the generated API the engine calls. Method
// signatures match tg.Client so the production client plugs in unchanged.
type Invoker interface {
	// Entity fetches.
	UsersGetUsers(ctx context.Context, id []tg.InputUserClass) ([]tg.UserClass, error)
	MessagesGetChats(ctx context.Context, id []int64) (tg.MessagesChatsClass, error)
	ChannelsGetChannels(ctx context.Context, id []tg.InputChannelClass) (tg.MessagesChatsClass, error)

	// Full-info fetches.
	UsersGetFullUser(ctx context.Context, id tg.InputUserClass) (*tg.UsersUserFull, error)
	MessagesGetFullChat(ctx context.Context, chatid int64) (*tg.MessagesChatFull, error)
	ChannelsGetFullChannel(ctx context.Context, channel tg.InputChannelClass) (*tg.MessagesChatFull, error)

	// Contacts.
	ContactsGetContacts(ctx context.Context, hash int64) (tg.ContactsContactsClass, error)
	ContactsImportContacts(ctx context.Context, contacts []tg.InputPhoneContact) (*tg.ContactsImportedContacts, error)
	ContactsDeleteContacts(ctx context.Context, id []tg.InputUserClass) (tg.UpdatesClass, error)

	// Membership mutations.
	MessagesAddChatUser(ctx context.Context, request *tg.MessagesAddChatUserRequest) (*tg.MessagesInvitedUsers, error)
	MessagesDeleteChatUser(ctx context.Context, request *tg.MessagesDeleteChatUserRequest) (tg.UpdatesClass, error)
	ChannelsInviteToChannel(ctx context.Context, request *tg.ChannelsInviteToChannelRequest) (*tg.MessagesInvitedUsers, error)
	ChannelsEditAdmin(ctx context.Context, request *tg.ChannelsEditAdminRequest) (tg.UpdatesClass, error)
	ChannelsEditBanned(ctx context.Context, request *tg.ChannelsEditBannedRequest) (tg.UpdatesClass, error)

	// Participant lists.
	ChannelsGetParticipants(ctx context.Context, request *tg.ChannelsGetParticipantsRequest) (tg.ChannelsChannelParticipantsClass, error)

	// Invite links.
	MessagesCheckChatInvite(ctx context.Context, hash string) (tg.ChatInviteClass, error)
}
