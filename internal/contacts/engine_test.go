package contacts

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/danhigham/peerdb/internal/peer"
	"github.com/danhigham/peerdb/internal/runloop"
	"github.com/danhigham/peerdb/internal/storage"
)

// memDB is a synchronous in-memory storage.Store.
type memDB struct {
	mu       sync.Mutex
	kv       map[string][]byte
	log      map[uint64][]byte
	logCat   map[uint64]storage.LogCategory
	nextSlot uint64
}

func newMemDB() *memDB {
	return &memDB{
		kv:     map[string][]byte{},
		log:    map[uint64][]byte{},
		logCat: map[uint64]storage.LogCategory{},
	}
}

func (m *memDB) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kv[string(key)], nil
}

func (m *memDB) Set(key, value []byte, done func(error)) {
	m.mu.Lock()
	v := make([]byte, len(value))
	copy(v, value)
	m.kv[string(key)] = v
	m.mu.Unlock()
	if done != nil {
		done(nil)
	}
}

func (m *memDB) Erase(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, string(key))
	return nil
}

func (m *memDB) LogAppend(cat storage.LogCategory, payload []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSlot++
	m.log[m.nextSlot] = payload
	m.logCat[m.nextSlot] = cat
	return m.nextSlot, nil
}

func (m *memDB) LogRewrite(slot uint64, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log[slot] = payload
	return nil
}

func (m *memDB) LogErase(slot uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.log, slot)
	return nil
}

func (m *memDB) ReplayLog(fn func(uint64, storage.LogCategory, []byte) error) error {
	return nil
}

func (m *memDB) Close() error { return nil }

// fakeDirectory tracks contact flags the way the entity engine would,
// ignoring flags for ids it has never seen.
type fakeDirectory struct {
	known   map[peer.UserID]bool // id -> isContact
	phones  map[string]peer.UserID
	applied []tg.UserClass
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{known: map[peer.UserID]bool{}, phones: map[string]peer.UserID{}}
}

func (d *fakeDirectory) OnGetUsers(users []tg.UserClass) {
	d.applied = append(d.applied, users...)
	for _, u := range users {
		if w, ok := u.(*tg.User); ok {
			if _, seen := d.known[peer.UserID(w.ID)]; !seen {
				d.known[peer.UserID(w.ID)] = w.Contact
			}
			if w.Phone != "" {
				d.phones[w.Phone] = peer.UserID(w.ID)
			}
		}
	}
}

func (d *fakeDirectory) SetUserContactFlag(id peer.UserID, isContact, isMutual bool) {
	if _, seen := d.known[id]; !seen {
		return
	}
	d.known[id] = isContact
}

func (d *fakeDirectory) ContactIDs() []peer.UserID {
	var ids []peer.UserID
	for id, isContact := range d.known {
		if isContact {
			ids = append(ids, id)
		}
	}
	return ids
}

func (d *fakeDirectory) InputUser(id peer.UserID) (tg.InputUserClass, error) {
	if _, seen := d.known[id]; !seen {
		return nil, fmt.Errorf("user %d unknown", id)
	}
	return &tg.InputUser{UserID: int64(id), AccessHash: int64(id) * 100}, nil
}

func (d *fakeDirectory) UserIDByPhone(phone string) (peer.UserID, bool) {
	id, ok := d.phones[phone]
	return id, ok
}

type fakeContactsAPI struct {
	mu    sync.Mutex
	calls map[string]int

	getContacts    func(hash int64) (tg.ContactsContactsClass, error)
	importContacts func(contacts []tg.InputPhoneContact) (*tg.ContactsImportedContacts, error)
	deleteContacts func(id []tg.InputUserClass) (tg.UpdatesClass, error)
}

func newFakeContactsAPI() *fakeContactsAPI { return &fakeContactsAPI{calls: map[string]int{}} }

func (f *fakeContactsAPI) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeContactsAPI) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeContactsAPI) ContactsGetContacts(_ context.Context, hash int64) (tg.ContactsContactsClass, error) {
	f.count("get")
	if f.getContacts == nil {
		return nil, fmt.Errorf("unexpected ContactsGetContacts")
	}
	return f.getContacts(hash)
}

func (f *fakeContactsAPI) ContactsImportContacts(_ context.Context, contacts []tg.InputPhoneContact) (*tg.ContactsImportedContacts, error) {
	f.count("import")
	if f.importContacts == nil {
		return nil, fmt.Errorf("unexpected ContactsImportContacts")
	}
	return f.importContacts(contacts)
}

func (f *fakeContactsAPI) ContactsDeleteContacts(_ context.Context, id []tg.InputUserClass) (tg.UpdatesClass, error) {
	f.count("delete")
	if f.deleteContacts == nil {
		return nil, fmt.Errorf("unexpected ContactsDeleteContacts")
	}
	return f.deleteContacts(id)
}

type fixture struct {
	loop *runloop.Loop
	db   *memDB
	api  *fakeContactsAPI
	dir  *fakeDirectory
	eng  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		loop: runloop.New(zap.NewNop()),
		db:   newMemDB(),
		api:  newFakeContactsAPI(),
		dir:  newFakeDirectory(),
	}
	fx.eng = New(Options{
		Loop:      fx.loop,
		DB:        fx.db,
		API:       fx.api,
		Directory: fx.dir,
		Logger:    zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fx.loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return fx
}

func (fx *fixture) on(fn func()) { fx.loop.Call(fn) }

func serverContacts(saved int, ids ...int64) *tg.ContactsContacts {
	res := &tg.ContactsContacts{SavedCount: saved}
	for _, id := range ids {
		res.Contacts = append(res.Contacts, tg.Contact{UserID: id})
		u := &tg.User{ID: id, Contact: true, FirstName: fmt.Sprintf("u%d", id)}
		u.SetAccessHash(id * 100)
		res.Users = append(res.Users, u)
	}
	return res
}

func TestHashStability(t *testing.T) {
	ids := []peer.UserID{1, 2, 3}
	h1 := membershipHash(3, ids)
	h2 := membershipHash(3, ids)
	assert.Equal(t, h1, h2)

	// Order matters.
	assert.NotEqual(t, h1, membershipHash(3, []peer.UserID{3, 2, 1}))
	// Saved count matters.
	assert.NotEqual(t, h1, membershipHash(4, ids))
}

func TestHashAddRemoveRoundTrip(t *testing.T) {
	fx := newFixture(t)

	fx.on(func() {
		fx.eng.ids = []peer.UserID{1, 2}
		fx.eng.savedCount = 2
	})

	var before int64
	fx.on(func() { before = fx.eng.Hash() })

	fx.on(func() {
		fx.eng.addIDs([]peer.UserID{5})
		assert.NotEqual(t, before, fx.eng.Hash())
		fx.eng.removeIDs([]peer.UserID{5})
	})
	fx.on(func() { assert.Equal(t, before, fx.eng.Hash()) })
}

func TestLoadCoalescesWaiters(t *testing.T) {
	fx := newFixture(t)

	release := make(chan struct{})
	fx.api.getContacts = func(hash int64) (tg.ContactsContactsClass, error) {
		<-release
		return serverContacts(2, 1, 2), nil
	}

	results := make(chan error, 3)
	fx.on(func() {
		fx.eng.Load(func(err error) { results <- err })
		fx.eng.Load(func(err error) { results <- err })
		fx.eng.Load(func(err error) { results <- err })
		assert.Equal(t, Loading, fx.eng.State())
	})
	close(release)

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("load never completed")
		}
	}
	assert.Equal(t, 1, fx.api.callCount("get"))
	fx.on(func() {
		assert.Equal(t, Loaded, fx.eng.State())
		assert.Equal(t, []peer.UserID{1, 2}, fx.eng.IDs())
		assert.Equal(t, 2, fx.eng.SavedCount())
	})
}

func TestResyncNotModifiedShortCircuits(t *testing.T) {
	fx := newFixture(t)

	var gotHash int64
	fx.api.getContacts = func(hash int64) (tg.ContactsContactsClass, error) {
		if fx.api.callCount("get") == 1 {
			return serverContacts(2, 1, 2), nil
		}
		gotHash = hash
		return &tg.ContactsContactsNotModified{}, nil
	}

	loaded := make(chan error, 1)
	fx.on(func() { fx.eng.Load(func(err error) { loaded <- err }) })
	require.NoError(t, <-loaded)

	var want int64
	fx.on(func() {
		want = fx.eng.Hash()
		fx.eng.Resync()
	})

	require.Eventually(t, func() bool {
		return fx.api.callCount("get") == 2
	}, 2*time.Second, 10*time.Millisecond)
	fx.on(func() {
		assert.Equal(t, want, gotHash)
		assert.Equal(t, []peer.UserID{1, 2}, fx.eng.IDs())
	})
}

func TestReconciliationOnlyRemoves(t *testing.T) {
	fx := newFixture(t)

	// Locally known contacts 1 and 2; the server now lists only 2.
	fx.dir.known[1] = true
	fx.dir.known[2] = true
	fx.api.getContacts = func(hash int64) (tg.ContactsContactsClass, error) {
		return serverContacts(1, 2), nil
	}

	loaded := make(chan error, 1)
	fx.on(func() { fx.eng.Load(func(err error) { loaded <- err }) })
	require.NoError(t, <-loaded)

	fx.on(func() {
		assert.False(t, fx.dir.known[1], "dropped server-side, must be downgraded")
		assert.True(t, fx.dir.known[2])
		// Id 3 exists only server-side and was never delivered; nothing to add.
		_, seen := fx.dir.known[3]
		assert.False(t, seen)
	})
}

func TestImportIdempotentPerCorrelationID(t *testing.T) {
	fx := newFixture(t)

	fx.api.importContacts = func(contacts []tg.InputPhoneContact) (*tg.ContactsImportedContacts, error) {
		u := &tg.User{ID: 7, Contact: true, Phone: "555"}
		u.SetAccessHash(700)
		return &tg.ContactsImportedContacts{
			Imported: []tg.ImportedContact{{UserID: 7, ClientID: 0}},
			Users:    []tg.UserClass{u},
		}, nil
	}

	batch := []InputContact{{Phone: "555", FirstName: "Ann"}}
	first := make(chan []peer.UserID, 1)
	fx.on(func() {
		fx.eng.Import(42, batch, func(ids []peer.UserID, err error) {
			require.NoError(t, err)
			first <- ids
		})
	})
	require.Equal(t, []peer.UserID{7}, <-first)

	// Same correlation id: answered from the finished job, no second RPC.
	second := make(chan []peer.UserID, 1)
	fx.on(func() {
		fx.eng.Import(42, batch, func(ids []peer.UserID, err error) {
			require.NoError(t, err)
			second <- ids
		})
	})
	require.Equal(t, []peer.UserID{7}, <-second)
	assert.Equal(t, 1, fx.api.callCount("import"))
}

func TestReplaceEmptyFastPath(t *testing.T) {
	fx := newFixture(t)

	done := make(chan error, 1)
	fx.on(func() { fx.eng.Replace(nil, func(err error) { done <- err }) })
	require.NoError(t, <-done)

	assert.Equal(t, 0, fx.api.callCount("import"))
	assert.Equal(t, 0, fx.api.callCount("delete"))
}

func TestResyncDeadlinePersisted(t *testing.T) {
	fx := newFixture(t)

	fx.api.getContacts = func(hash int64) (tg.ContactsContactsClass, error) {
		return serverContacts(1, 1), nil
	}

	loaded := make(chan error, 1)
	fx.on(func() { fx.eng.Load(func(err error) { loaded <- err }) })
	require.NoError(t, <-loaded)

	fx.on(func() {
		assert.True(t, fx.loop.HasTimer(resyncTimerKey))
	})
	raw, err := fx.db.Get(storage.NextContactResyncKey())
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}
