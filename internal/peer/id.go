// Package peer defines the typed identifier spaces used across the engine.
//
// Telegram uses four disjoint integer id spaces for conversation peers. Code
// that must be generic over "some peer" uses DialogID, a tagged union over
// the four kinds plus a zero None value.
package peer

import (
	"fmt"

	"github.com/gotd/td/tg"
)

// UserID identifies a user.
type UserID int64

// ChatID identifies a basic group.
type ChatID int64

// ChannelID identifies a supergroup or broadcast channel.
type ChannelID int64

// SecretChatID identifies a secret chat.
type SecretChatID int64

// IsValid reports whether the id is addressable at all.
func (id UserID) IsValid() bool { return id > 0 }

// IsValid reports whether the id is addressable at all.
func (id ChatID) IsValid() bool { return id > 0 }

// IsValid reports whether the id is addressable at all.
func (id ChannelID) IsValid() bool { return id > 0 }

// IsValid reports whether the id is addressable at all.
func (id SecretChatID) IsValid() bool { return id > 0 }

// Kind discriminates the variants of DialogID.
type Kind uint8

const (
	KindNone Kind = iota
	KindUser
	KindChat
	KindChannel
	KindSecretChat
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindChat:
		return "chat"
	case KindChannel:
		return "channel"
	case KindSecretChat:
		return "secret_chat"
	default:
		return "none"
	}
}

// DialogID is a tagged union over the four peer id spaces.
//
// The zero value is the None dialog.
type DialogID struct {
	kind Kind
	id   int64
}

func FromUser(id UserID) DialogID       { return DialogID{KindUser, int64(id)} }
func FromChat(id ChatID) DialogID       { return DialogID{KindChat, int64(id)} }
func FromChannel(id ChannelID) DialogID { return DialogID{KindChannel, int64(id)} }
func FromSecretChat(id SecretChatID) DialogID {
	return DialogID{KindSecretChat, int64(id)}
}

// Kind returns the variant tag.
func (d DialogID) Kind() Kind { return d.kind }

// IsValid reports whether the dialog refers to a valid peer of its kind.
func (d DialogID) IsValid() bool {
	switch d.kind {
	case KindUser:
		return UserID(d.id).IsValid()
	case KindChat:
		return ChatID(d.id).IsValid()
	case KindChannel:
		return ChannelID(d.id).IsValid()
	case KindSecretChat:
		return SecretChatID(d.id).IsValid()
	default:
		return false
	}
}

// User returns the user id; valid only when Kind() == KindUser.
func (d DialogID) User() UserID { return UserID(d.id) }

// Chat returns the chat id; valid only when Kind() == KindChat.
func (d DialogID) Chat() ChatID { return ChatID(d.id) }

// Channel returns the channel id; valid only when Kind() == KindChannel.
func (d DialogID) Channel() ChannelID { return ChannelID(d.id) }

// SecretChat returns the secret chat id; valid only when Kind() == KindSecretChat.
func (d DialogID) SecretChat() SecretChatID { return SecretChatID(d.id) }

// Raw returns the untyped numeric id.
func (d DialogID) Raw() int64 { return d.id }

func (d DialogID) String() string {
	if d.kind == KindNone {
		return "none"
	}
	return fmt.Sprintf("%s:%d", d.kind, d.id)
}

// FromPeer converts a tg.PeerClass into a DialogID. Unknown classes map to
// the None dialog.
func FromPeer(p tg.PeerClass) DialogID {
	switch p := p.(type) {
	case *tg.PeerUser:
		return FromUser(UserID(p.UserID))
	case *tg.PeerChat:
		return FromChat(ChatID(p.ChatID))
	case *tg.PeerChannel:
		return FromChannel(ChannelID(p.ChannelID))
	default:
		return DialogID{}
	}
}

// ToPeer converts the dialog back into a tg.PeerClass. Secret chats have no
// wire peer representation and map to nil, as does None.
func (d DialogID) ToPeer() tg.PeerClass {
	switch d.kind {
	case KindUser:
		return &tg.PeerUser{UserID: d.id}
	case KindChat:
		return &tg.PeerChat{ChatID: d.id}
	case KindChannel:
		return &tg.PeerChannel{ChannelID: d.id}
	default:
		return nil
	}
}
