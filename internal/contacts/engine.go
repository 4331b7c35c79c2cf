// Package contacts keeps the local contact list in step with the server.
//
// The list loads once per process. A compact membership hash rides along
// with every resynchronization request so an unchanged list costs one round
// trip and no transfer. Reconciliation against a full server list only ever
// removes local contacts; additions arrive through individual relationship
// updates on the user records themselves.
package contacts

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/danhigham/peerdb/internal/peer"
	"github.com/danhigham/peerdb/internal/runloop"
	"github.com/danhigham/peerdb/internal/storage"
)

// State is the load state of the contact list.
type State int

const (
	NotLoaded State = iota
	Loading
	Loaded
)

const (
	defaultResyncPeriod = 24 * time.Hour
	resyncTimerKey      = "contacts/resync"
)

// API is the slice of the RPC surface the contact engine issues.
// *tg.Client and the full transport.Invoker both satisfy it.
type API interface {
	ContactsGetContacts(ctx context.Context, hash int64) (tg.ContactsContactsClass, error)
	ContactsImportContacts(ctx context.Context, contacts []tg.InputPhoneContact) (*tg.ContactsImportedContacts, error)
	ContactsDeleteContacts(ctx context.Context, id []tg.InputUserClass) (tg.UpdatesClass, error)
}

// Directory is the slice of the entity engine the contact engine needs.
type Directory interface {
	OnGetUsers(users []tg.UserClass)
	SetUserContactFlag(id peer.UserID, isContact, isMutual bool)
	ContactIDs() []peer.UserID
	InputUser(id peer.UserID) (tg.InputUserClass, error)
	UserIDByPhone(phone string) (peer.UserID, bool)
}

// InputContact is an external address-book entry to import. Phone is the
// identity-defining field.
type InputContact struct {
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Options configures an Engine.
type Options struct {
	Loop         *runloop.Loop
	DB           storage.Store
	API          API
	Directory    Directory
	Logger       *zap.Logger
	ResyncPeriod time.Duration
}

type importJob struct {
	finished bool
	userIDs  []peer.UserID
	err      error
	waiters  []func([]peer.UserID, error)
}

// Engine is the contact sync engine. All state is owned by the run loop.
type Engine struct {
	logger *zap.Logger
	loop   *runloop.Loop
	db     storage.Store
	api    API
	dir    Directory

	state   State
	waiters []func(error)

	// Sorted server-confirmed contact ids plus the server's own count,
	// which can exceed len(ids) when contacts exist only server-side.
	ids        []peer.UserID
	savedCount int

	imports  map[int64]*importJob
	imported []InputContact

	resyncPeriod time.Duration
}

// New creates an Engine. Call Load once before anything else.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ResyncPeriod == 0 {
		opts.ResyncPeriod = defaultResyncPeriod
	}
	return &Engine{
		logger:       opts.Logger.Named("contacts"),
		loop:         opts.Loop,
		db:           opts.DB,
		api:          opts.API,
		dir:          opts.Directory,
		imports:      map[int64]*importJob{},
		resyncPeriod: opts.ResyncPeriod,
	}
}

// State returns the current load state.
func (e *Engine) State() State { return e.state }

// IDs returns the sorted server-confirmed contact ids.
func (e *Engine) IDs() []peer.UserID { return e.ids }

// SavedCount returns the server-reported contact count.
func (e *Engine) SavedCount() int { return e.savedCount }

// Hash returns the 32-bit order-sensitive membership hash sent with
// resynchronization requests.
func (e *Engine) Hash() int64 { return membershipHash(e.savedCount, e.ids) }

// membershipHash folds the saved count and the sorted ids into 32 bits.
// The server computes the same value; equality short-circuits the transfer.
func membershipHash(savedCount int, ids []peer.UserID) int64 {
	var h uint32
	h = h*20261 + uint32(savedCount)
	for _, id := range ids {
		v := uint64(id)
		h = h*20261 + uint32(v>>32)
		h = h*20261 + uint32(v)
	}
	return int64(h)
}

// Load brings the contact list up. The first call starts loading; concurrent
// calls queue behind it rather than issuing a second fetch. Once loaded,
// calls complete immediately.
func (e *Engine) Load(done func(error)) {
	switch e.state {
	case Loaded:
		done(nil)
		return
	case Loading:
		e.waiters = append(e.waiters, done)
		return
	}
	e.state = Loading
	e.waiters = append(e.waiters, done)

	if e.loadFromDatabase() {
		e.finishLoad(nil)
		e.scheduleResync(e.persistedResyncDeadline())
		return
	}
	e.fetch()
}

// loadFromDatabase restores the persisted list, reporting whether one existed.
func (e *Engine) loadFromDatabase() bool {
	data, err := e.db.Get(storage.ContactsKey())
	if err != nil || data == nil {
		return false
	}
	var ids []peer.UserID
	if err := json.Unmarshal(data, &ids); err != nil {
		e.logger.Warn("corrupt contact list, refetching", zap.Error(err))
		return false
	}
	e.ids = ids
	if raw, err := e.db.Get(storage.SavedContactCountKey()); err == nil && raw != nil {
		if n, err := strconv.Atoi(string(raw)); err == nil {
			e.savedCount = n
		}
	}
	return true
}

func (e *Engine) finishLoad(err error) {
	if err != nil {
		e.state = NotLoaded
	} else {
		e.state = Loaded
	}
	waiters := e.waiters
	e.waiters = nil
	for _, w := range waiters {
		w(err)
	}
}

// Resync asks the server for the list, sending the current hash. Must be
// called on the loop; used by the periodic timer and by tests.
func (e *Engine) Resync() {
	if e.state != Loaded {
		return
	}
	e.fetch()
}

func (e *Engine) fetch() {
	hash := e.Hash()
	run(e, func(ctx context.Context) (tg.ContactsContactsClass, error) {
		return e.api.ContactsGetContacts(ctx, hash)
	}, func(res tg.ContactsContactsClass, err error) {
		if err != nil {
			if e.state == Loading {
				e.finishLoad(errors.Wrap(err, "get contacts"))
			} else {
				e.logger.Warn("contact resync failed", zap.Error(err))
				e.scheduleResync(time.Now().Add(e.resyncPeriod))
			}
			return
		}
		switch res := res.(type) {
		case *tg.ContactsContactsNotModified:
			// Hash matched; nothing moved.
			if e.state == Loading {
				e.finishLoad(nil)
			}
		case *tg.ContactsContacts:
			e.apply(res)
			if e.state == Loading {
				e.finishLoad(nil)
			}
		}
		e.scheduleResync(time.Now().Add(e.resyncPeriod))
	})
}

// apply reconciles the server list into local state. Removal only: a local
// contact the server no longer lists is downgraded, but a server-side
// contact unknown locally is not force-added.
func (e *Engine) apply(res *tg.ContactsContacts) {
	e.dir.OnGetUsers(res.Users)

	server := make(map[peer.UserID]bool, len(res.Contacts))
	ids := make([]peer.UserID, 0, len(res.Contacts))
	for _, c := range res.Contacts {
		id := peer.UserID(c.UserID)
		server[id] = c.Mutual
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range e.dir.ContactIDs() {
		if _, still := server[id]; !still {
			e.dir.SetUserContactFlag(id, false, false)
		}
	}
	for id, mutual := range server {
		e.dir.SetUserContactFlag(id, true, mutual)
	}

	e.ids = ids
	e.savedCount = res.SavedCount
	e.persist()
}

func (e *Engine) persist() {
	data, err := json.Marshal(e.ids)
	if err != nil {
		e.logger.Error("encode contact list", zap.Error(err))
		return
	}
	e.db.Set(storage.ContactsKey(), data, e.logSetErr("persist contact list"))
	e.db.Set(storage.SavedContactCountKey(),
		[]byte(strconv.Itoa(e.savedCount)), e.logSetErr("persist saved count"))
}

func (e *Engine) logSetErr(msg string) func(error) {
	return func(err error) {
		if err != nil {
			e.logger.Warn(msg, zap.Error(err))
		}
	}
}

// scheduleResync arms the periodic timer and persists its deadline so a
// restart resumes the cadence instead of resetting it.
func (e *Engine) scheduleResync(at time.Time) {
	e.db.Set(storage.NextContactResyncKey(),
		[]byte(strconv.FormatInt(at.Unix(), 10)), e.logSetErr("persist resync deadline"))
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	e.loop.Schedule(resyncTimerKey, d, e.Resync)
}

func (e *Engine) persistedResyncDeadline() time.Time {
	raw, err := e.db.Get(storage.NextContactResyncKey())
	if err != nil || raw == nil {
		return time.Now().Add(e.resyncPeriod)
	}
	unix, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Now().Add(e.resyncPeriod)
	}
	return time.Unix(unix, 0)
}

// Import sends a batch of external contacts. Idempotent per correlation id:
// repeating an id joins the in-flight request or returns the finished result
// without another network call.
func (e *Engine) Import(correlationID int64, batch []InputContact, done func([]peer.UserID, error)) {
	if job, ok := e.imports[correlationID]; ok {
		if job.finished {
			done(job.userIDs, job.err)
		} else {
			job.waiters = append(job.waiters, done)
		}
		return
	}
	job := &importJob{waiters: []func([]peer.UserID, error){done}}
	e.imports[correlationID] = job

	inputs := make([]tg.InputPhoneContact, 0, len(batch))
	for i, c := range batch {
		inputs = append(inputs, tg.InputPhoneContact{
			ClientID:  int64(i),
			Phone:     c.Phone,
			FirstName: c.FirstName,
			LastName:  c.LastName,
		})
	}

	run(e, func(ctx context.Context) (*tg.ContactsImportedContacts, error) {
		return e.api.ContactsImportContacts(ctx, inputs)
	}, func(res *tg.ContactsImportedContacts, err error) {
		job.finished = true
		if err != nil {
			job.err = errors.Wrap(err, "import contacts")
		} else {
			e.dir.OnGetUsers(res.Users)
			for _, imp := range res.Imported {
				job.userIDs = append(job.userIDs, peer.UserID(imp.UserID))
			}
			e.addIDs(job.userIDs)
			if len(res.RetryContacts) > 0 {
				e.logger.Info("server deferred some imports",
					zap.Int("count", len(res.RetryContacts)))
			}
		}
		waiters := job.waiters
		job.waiters = nil
		for _, w := range waiters {
			w(job.userIDs, job.err)
		}
	})
}

// Replace swaps the whole imported-contacts list: delete what disappeared,
// import what is new. Both empty is a no-op with no network calls.
func (e *Engine) Replace(next []InputContact, done func(error)) {
	next = uniqueByPhone(next)
	if len(e.imported) == 0 && len(next) == 0 {
		done(nil)
		return
	}

	old := make(map[string]bool, len(e.imported))
	for _, c := range e.imported {
		old[c.Phone] = true
	}
	keep := make(map[string]bool, len(next))
	var added []InputContact
	for _, c := range next {
		keep[c.Phone] = true
		if !old[c.Phone] {
			added = append(added, c)
		}
	}
	var removedPhones []string
	for _, c := range e.imported {
		if !keep[c.Phone] {
			removedPhones = append(removedPhones, c.Phone)
		}
	}

	e.imported = next

	remaining := 1
	var firstErr error
	step := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
		remaining--
		if remaining == 0 {
			done(firstErr)
		}
	}

	if len(removedPhones) > 0 {
		remaining++
		e.deleteByPhone(removedPhones, step)
	}
	if len(added) > 0 {
		remaining++
		e.Import(time.Now().UnixNano(), added, func(_ []peer.UserID, err error) { step(err) })
	}
	step(nil)
}

// deleteByPhone removes the contacts whose user records carry the given
// phones. Unresolvable phones are skipped; the server list is the authority
// on the next resync.
func (e *Engine) deleteByPhone(phones []string, done func(error)) {
	var ids []peer.UserID
	for _, p := range phones {
		if id, ok := e.dir.UserIDByPhone(p); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		done(nil)
		return
	}
	e.Delete(ids, done)
}

// Delete removes contacts by id and downgrades their relationship flags.
func (e *Engine) Delete(ids []peer.UserID, done func(error)) {
	if len(ids) == 0 {
		done(nil)
		return
	}
	inputs := make([]tg.InputUserClass, 0, len(ids))
	for _, id := range ids {
		input, err := e.dir.InputUser(id)
		if err != nil {
			done(err)
			return
		}
		inputs = append(inputs, input)
	}

	run(e, func(ctx context.Context) (tg.UpdatesClass, error) {
		return e.api.ContactsDeleteContacts(ctx, inputs)
	}, func(res tg.UpdatesClass, err error) {
		if err != nil {
			done(errors.Wrap(err, "delete contacts"))
			return
		}
		for _, id := range ids {
			e.dir.SetUserContactFlag(id, false, false)
		}
		e.removeIDs(ids)
		done(nil)
	})
}

func (e *Engine) addIDs(ids []peer.UserID) {
	have := make(map[peer.UserID]bool, len(e.ids))
	for _, id := range e.ids {
		have[id] = true
	}
	changed := false
	for _, id := range ids {
		if !have[id] {
			e.ids = append(e.ids, id)
			e.savedCount++
			changed = true
		}
	}
	if changed {
		sort.Slice(e.ids, func(i, j int) bool { return e.ids[i] < e.ids[j] })
		e.persist()
	}
}

func (e *Engine) removeIDs(ids []peer.UserID) {
	drop := make(map[peer.UserID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := e.ids[:0]
	removed := 0
	for _, id := range e.ids {
		if drop[id] {
			removed++
			continue
		}
		kept = append(kept, id)
	}
	if removed > 0 {
		e.ids = kept
		e.savedCount -= removed
		if e.savedCount < 0 {
			e.savedCount = 0
		}
		e.persist()
	}
}

func uniqueByPhone(in []InputContact) []InputContact {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, c := range in {
		if c.Phone == "" || seen[c.Phone] {
			continue
		}
		seen[c.Phone] = true
		out = append(out, c)
	}
	return out
}

// run executes an RPC off the loop and posts its completion back on it.
func run[T any](e *Engine, call func(ctx context.Context) (T, error), done func(T, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		res, err := call(ctx)
		e.loop.Submit(func() { done(res, err) })
	}()
}
