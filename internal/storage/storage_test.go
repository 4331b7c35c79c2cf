package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/danhigham/peerdb/internal/peer"
)

func openTestBolt(t *testing.T) *Bolt {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peerdb_test.db")
	b, err := OpenBolt(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b
}

func TestSetGetErase(t *testing.T) {
	b := openTestBolt(t)

	done := make(chan error, 1)
	b.Set([]byte("k"), []byte("v"), func(err error) { done <- err })
	require.NoError(t, <-done)

	v, err := b.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, b.Erase([]byte("k")))
	v, err = b.Get([]byte("k"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestGetMissingReturnsNil(t *testing.T) {
	b := openTestBolt(t)
	v, err := b.Get([]byte("absent"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestLogAppendRewriteErase(t *testing.T) {
	b := openTestBolt(t)

	s1, err := b.LogAppend(LogUser, []byte("one"))
	require.NoError(t, err)
	s2, err := b.LogAppend(LogChat, []byte("two"))
	require.NoError(t, err)
	assert.Greater(t, s2, s1, "slot ids must be monotonic")

	require.NoError(t, b.LogRewrite(s1, []byte("one-v2")))

	var got []struct {
		slot    uint64
		cat     LogCategory
		payload string
	}
	require.NoError(t, b.ReplayLog(func(slot uint64, cat LogCategory, payload []byte) error {
		got = append(got, struct {
			slot    uint64
			cat     LogCategory
			payload string
		}{slot, cat, string(payload)})
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, s1, got[0].slot)
	assert.Equal(t, LogUser, got[0].cat, "rewrite keeps the category")
	assert.Equal(t, "one-v2", got[0].payload)
	assert.Equal(t, "two", got[1].payload)

	require.NoError(t, b.LogErase(s1))
	require.NoError(t, b.LogErase(s2))
	count := 0
	require.NoError(t, b.ReplayLog(func(uint64, LogCategory, []byte) error {
		count++
		return nil
	}))
	assert.Zero(t, count)
}

func TestLogRewriteMissingSlot(t *testing.T) {
	b := openTestBolt(t)
	assert.Error(t, b.LogRewrite(99, []byte("x")))
}

func TestSlotIDsSurviveErase(t *testing.T) {
	b := openTestBolt(t)

	s1, err := b.LogAppend(LogUser, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, b.LogErase(s1))

	s2, err := b.LogAppend(LogUser, []byte("b"))
	require.NoError(t, err)
	assert.Greater(t, s2, s1, "slot ids are never reused")
}

func TestEntityKeysDisjoint(t *testing.T) {
	keys := map[string]bool{}
	for _, k := range [][]byte{
		UserKey(1), ChatKey(1), ChannelKey(1), SecretChatKey(1), UserKey(2),
	} {
		keys[string(k)] = true
	}
	assert.Len(t, keys, 5, "keys for distinct kinds/ids must not collide")
}

func TestAdminListKeyPerDialog(t *testing.T) {
	a := AdminListKey(peer.FromChat(5))
	b := AdminListKey(peer.FromChannel(5))
	assert.NotEqual(t, a, b)
}
