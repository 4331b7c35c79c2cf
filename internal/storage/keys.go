package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/danhigham/peerdb/internal/peer"
)

// Key layout. Entity records live under a one-byte kind prefix followed by
// the big-endian id, so a bucket scan groups records by kind. Everything else
// uses short string keys.

const (
	PrefixUser       byte = 'u'
	PrefixChat       byte = 'g'
	PrefixChannel    byte = 'c'
	PrefixSecretChat byte = 's'
)

// UserKey returns the record key for a user.
func UserKey(id peer.UserID) []byte { return entityKey(PrefixUser, int64(id)) }

// ChatKey returns the record key for a basic group.
func ChatKey(id peer.ChatID) []byte { return entityKey(PrefixChat, int64(id)) }

// ChannelKey returns the record key for a channel.
func ChannelKey(id peer.ChannelID) []byte { return entityKey(PrefixChannel, int64(id)) }

// SecretChatKey returns the record key for a secret chat.
func SecretChatKey(id peer.SecretChatID) []byte {
	return entityKey(PrefixSecretChat, int64(id))
}

func entityKey(prefix byte, id int64) []byte {
	k := make([]byte, 9)
	k[0] = prefix
	binary.BigEndian.PutUint64(k[1:], uint64(id))
	return k
}

// EntityID decodes the id from an entity record key, or 0 when the key is not
// one.
func EntityID(key []byte) int64 {
	if len(key) != 9 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[1:]))
}

// ContactsKey holds the locally known contact id list.
func ContactsKey() []byte { return []byte("contacts") }

// SavedContactCountKey holds the server-reported saved contact count.
func SavedContactCountKey() []byte { return []byte("contacts/saved_count") }

// NextContactResyncKey holds the unix time of the next scheduled contact
// resynchronization.
func NextContactResyncKey() []byte { return []byte("contacts/next_resync") }

// AdminListKey holds the cached administrator id list for a dialog.
func AdminListKey(d peer.DialogID) []byte {
	return []byte(fmt.Sprintf("admins/%s", d))
}
