package tide

import (
	"slices"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type queryKey string

// identical path+args share one query id
func makeQueryKey(path string, args Value) queryKey {
	return queryKey(path + "\x00" + string(args))
}

type querySetEntry struct {
	queryId QueryId
	path    string
	args    Value
	// number of active subscriptions. Zero means the query is only known
	// locally, for example as the target of an optimistic update.
	refCount int
}

// Tracks which queries consumers want, assigns stable query ids, and
// diffs the wanted set against what the server was told. Query ids are
// never reused so replayed optimistic updates always resolve a key to
// the same id.
type QuerySetManager struct {
	stateLock   sync.Mutex
	nextQueryId QueryId
	byKey       map[queryKey]*querySetEntry
	byId        map[QueryId]*querySetEntry
	// ids the server currently knows about on this connection
	sent map[QueryId]bool

	dirty chan struct{}
}

func NewQuerySetManager() *QuerySetManager {
	return &QuerySetManager{
		byKey: map[queryKey]*querySetEntry{},
		byId:  map[QueryId]*querySetEntry{},
		sent:  map[QueryId]bool{},
		dirty: make(chan struct{}, 1),
	}
}

// Subscribe adds one reference to the query and returns its id.
// The first reference schedules a reconcile.
func (self *QuerySetManager) Subscribe(path string, args Value) QueryId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := self.ensureEntry(path, args)
	entry.refCount += 1
	if 1 == entry.refCount {
		glog.V(2).Infof("[qs]subscribe %s as %d\n", path, entry.queryId)
		self.markDirty()
	}
	return entry.queryId
}

// Unsubscribe drops one reference. Returns true when the last reference
// is gone and the query left the wanted set.
func (self *QuerySetManager) Unsubscribe(queryId QueryId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.byId[queryId]
	if !ok || entry.refCount <= 0 {
		return false
	}
	entry.refCount -= 1
	if 0 == entry.refCount {
		glog.V(2).Infof("[qs]unsubscribe %s as %d\n", entry.path, entry.queryId)
		self.markDirty()
		return true
	}
	return false
}

// AssignQueryId resolves path+args to a stable id without subscribing
func (self *QuerySetManager) AssignQueryId(path string, args Value) QueryId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.ensureEntry(path, args).queryId
}

func (self *QuerySetManager) ensureEntry(path string, args Value) *querySetEntry {
	key := makeQueryKey(path, args)
	entry, ok := self.byKey[key]
	if !ok {
		entry = &querySetEntry{
			queryId: self.nextQueryId,
			path:    path,
			args:    args,
		}
		self.nextQueryId += 1
		self.byKey[key] = entry
		self.byId[entry.queryId] = entry
	}
	return entry
}

// Lookup resolves path+args to the assigned id, if one exists
func (self *QuerySetManager) Lookup(path string, args Value) (QueryId, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.byKey[makeQueryKey(path, args)]
	if !ok {
		return 0, false
	}
	return entry.queryId, true
}

func (self *QuerySetManager) IsWanted(queryId QueryId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.byId[queryId]
	return ok && 0 < entry.refCount
}

func (self *QuerySetManager) Path(queryId QueryId) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.byId[queryId]
	if !ok {
		return "", false
	}
	return entry.path, true
}

func (self *QuerySetManager) WantedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	wanted := 0
	for _, entry := range self.byId {
		if 0 < entry.refCount {
			wanted += 1
		}
	}
	return wanted
}

// Reconcile diffs the wanted set against the sent set and returns one
// message that moves the server to the wanted set, or nil when there is
// nothing to do. The sent set is updated as if the message was delivered;
// a failed connection resets it via `ResetSent`.
// `journal` supplies the replay journal for re-added queries.
func (self *QuerySetManager) Reconcile(baseVersion uint32, journal func(QueryId) *string) *ModifyQuerySet {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	removed := []QueryId{}
	for queryId := range self.sent {
		entry, ok := self.byId[queryId]
		if !ok || entry.refCount <= 0 {
			removed = append(removed, queryId)
		}
	}
	slices.Sort(removed)

	addedQueryIds := []QueryId{}
	for queryId, entry := range self.byId {
		if 0 < entry.refCount && !self.sent[queryId] {
			addedQueryIds = append(addedQueryIds, queryId)
		}
	}
	slices.Sort(addedQueryIds)

	if 0 == len(removed) && 0 == len(addedQueryIds) {
		return nil
	}

	added := make([]AddQuery, 0, len(addedQueryIds))
	for _, queryId := range addedQueryIds {
		entry := self.byId[queryId]
		added = append(added, AddQuery{
			QueryId: queryId,
			Path:    entry.path,
			Args:    entry.args,
			Journal: journal(queryId),
		})
		self.sent[queryId] = true
	}
	for _, queryId := range removed {
		delete(self.sent, queryId)
	}

	return &ModifyQuerySet{
		BaseVersion: baseVersion,
		Removed:     removed,
		Added:       added,
	}
}

// ResetSent forgets what the server was told. Called on each new
// connection so the next reconcile resends the full wanted set.
func (self *QuerySetManager) ResetSent() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	maps.Clear(self.sent)
}

// Notify returns a channel that receives after the wanted set changes.
// Changes coalesce into at most one pending signal.
func (self *QuerySetManager) Notify() <-chan struct{} {
	return self.dirty
}

func (self *QuerySetManager) markDirty() {
	select {
	case self.dirty <- struct{}{}:
	default:
	}
}
