package transport

import (
	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"
)

// Numeric codes that indicate a connection-level condition, never a problem
// with the entity the request named.
const (
	codeUnauthorized = 401
	codeFloodPremium = 420
	codeFlood        = 429
)

// AsRPC extracts the typed RPC error, if err carries one.
func AsRPC(err error) (*tgerr.Error, bool) {
	var rpc *tgerr.Error
	if errors.As(err, &rpc) {
		return rpc, true
	}
	return nil, false
}

// IsAuthOrFlood reports whether err is an auth-loss or flood-control error.
// Such errors must be surfaced as global conditions, not attributed to the
// entity the failed request was about.
func IsAuthOrFlood(err error) bool {
	rpc, ok := AsRPC(err)
	if !ok {
		return false
	}
	switch rpc.Code {
	case codeUnauthorized, codeFloodPremium, codeFlood:
		return true
	}
	return false
}

// IsNotModified reports the server's "nothing to change" family of replies.
// Callers treat these as soft success: local state is already correct.
func IsNotModified(err error) bool {
	return tgerr.Is(err,
		"CHAT_NOT_MODIFIED",
		"CHAT_ADMIN_NOT_MODIFIED",
		"BOT_GROUPS_BLOCKED",
	)
}

// IsAlreadyParticipant reports that an add request named an existing member.
func IsAlreadyParticipant(err error) bool {
	return tgerr.Is(err, "USER_ALREADY_PARTICIPANT")
}

// IsNotParticipant reports that a remove request named a non-member.
func IsNotParticipant(err error) bool {
	return tgerr.Is(err, "USER_NOT_PARTICIPANT")
}

// IsInviteExpired reports that an invite link is no longer usable.
func IsInviteExpired(err error) bool {
	return tgerr.Is(err, "INVITE_HASH_EXPIRED", "INVITE_HASH_INVALID")
}
