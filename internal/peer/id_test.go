package peer

import (
	"testing"

	"github.com/gotd/td/tg"
)

func TestDialogIDZeroValue(t *testing.T) {
	var d DialogID
	if d.Kind() != KindNone {
		t.Errorf("zero DialogID kind = %v, want KindNone", d.Kind())
	}
	if d.IsValid() {
		t.Error("zero DialogID should not be valid")
	}
	if d.String() != "none" {
		t.Errorf("zero DialogID String() = %q, want %q", d.String(), "none")
	}
}

func TestDialogIDRoundTrip(t *testing.T) {
	d := FromChannel(42)
	if d.Kind() != KindChannel {
		t.Fatalf("kind = %v, want KindChannel", d.Kind())
	}
	if d.Channel() != 42 {
		t.Errorf("Channel() = %d, want 42", d.Channel())
	}
	if d.String() != "channel:42" {
		t.Errorf("String() = %q, want %q", d.String(), "channel:42")
	}
}

func TestIDValidity(t *testing.T) {
	if UserID(0).IsValid() || UserID(-5).IsValid() {
		t.Error("non-positive user ids must be invalid")
	}
	if !ChatID(1).IsValid() {
		t.Error("positive chat id must be valid")
	}
	if FromUser(0).IsValid() {
		t.Error("dialog over invalid id must be invalid")
	}
}

func TestFromPeer(t *testing.T) {
	tests := []struct {
		peer tg.PeerClass
		want DialogID
	}{
		{&tg.PeerUser{UserID: 7}, FromUser(7)},
		{&tg.PeerChat{ChatID: 8}, FromChat(8)},
		{&tg.PeerChannel{ChannelID: 9}, FromChannel(9)},
		{nil, DialogID{}},
	}
	for _, tt := range tests {
		if got := FromPeer(tt.peer); got != tt.want {
			t.Errorf("FromPeer(%v) = %v, want %v", tt.peer, got, tt.want)
		}
	}
}

func TestToPeer(t *testing.T) {
	p := FromChat(11).ToPeer()
	chat, ok := p.(*tg.PeerChat)
	if !ok || chat.ChatID != 11 {
		t.Errorf("ToPeer() = %#v, want *tg.PeerChat{ChatID: 11}", p)
	}
	if FromSecretChat(3).ToPeer() != nil {
		t.Error("secret chats have no wire peer")
	}
}
