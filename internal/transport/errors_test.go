package transport

import (
	"fmt"
	"testing"

	"github.com/gotd/td/tgerr"
)

func TestIsAuthOrFlood(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{tgerr.New(401, "AUTH_KEY_UNREGISTERED"), true},
		{tgerr.New(420, "FLOOD_WAIT_30"), true},
		{tgerr.New(429, "FLOOD"), true},
		{tgerr.New(400, "PEER_ID_INVALID"), false},
		{fmt.Errorf("plain"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsAuthOrFlood(tt.err); got != tt.want {
			t.Errorf("IsAuthOrFlood(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsAuthOrFloodWrapped(t *testing.T) {
	err := fmt.Errorf("invoke: %w", tgerr.New(401, "SESSION_EXPIRED"))
	if !IsAuthOrFlood(err) {
		t.Error("wrapped RPC errors must still classify")
	}
}

func TestSoftSuccess(t *testing.T) {
	if !IsNotModified(tgerr.New(400, "CHAT_NOT_MODIFIED")) {
		t.Error("CHAT_NOT_MODIFIED is a soft success")
	}
	if IsNotModified(tgerr.New(400, "PEER_ID_INVALID")) {
		t.Error("PEER_ID_INVALID is a real failure")
	}
	if !IsAlreadyParticipant(tgerr.New(400, "USER_ALREADY_PARTICIPANT")) {
		t.Error("USER_ALREADY_PARTICIPANT should match")
	}
	if !IsInviteExpired(tgerr.New(400, "INVITE_HASH_EXPIRED")) {
		t.Error("INVITE_HASH_EXPIRED should match")
	}
}
