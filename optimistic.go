package tide

import (
	"fmt"
	"slices"
	"sync"

	"github.com/golang/glog"
)

// An OptimisticUpdate predicts the effect of a mutation on query results
// before the server confirms it. It must be a pure function of the store
// it is given: the same update is replayed many times, once per fresh
// server snapshot, until its mutation is reflected in a transition.
type OptimisticUpdate func(store *OptimisticLocalStore)

type queryIdAssign func(path string, args Value) QueryId

// The view an update edits. Queries are addressed by function path and
// args. Keys do not have to be subscribed: a prediction for an
// unsubscribed query is readable until the update retires.
// Malformed paths or unencodable args panic, which drops the update.
type OptimisticLocalStore struct {
	results map[QueryId]FunctionResult
	assign  queryIdAssign
}

func (self *OptimisticLocalStore) QueryResult(path string, args any) (Value, bool) {
	result, ok := self.results[self.requireQueryId(path, args)]
	if !ok || result.Err != nil {
		return nil, false
	}
	return result.Value, true
}

func (self *OptimisticLocalStore) SetQuery(path string, args any, value Value) {
	self.results[self.requireQueryId(path, args)] = FunctionResult{Value: value}
}

func (self *OptimisticLocalStore) RemoveQuery(path string, args any) {
	delete(self.results, self.requireQueryId(path, args))
}

func (self *OptimisticLocalStore) requireQueryId(path string, args any) QueryId {
	canonicalPath, err := CanonicalFunctionPath(path)
	if err != nil {
		panic(err)
	}
	argsValue, err := canonicalArgs(args)
	if err != nil {
		panic(fmt.Errorf("cannot encode args for %s: %w", canonicalPath, err))
	}
	return self.assign(canonicalPath, argsValue)
}

type optimisticEntry struct {
	requestId RequestId
	update    OptimisticUpdate
	// set when the mutation response arrives
	mutationTs *Timestamp
	// set when the request failed locally. The entry stays visible until
	// the next applied transition sweeps it.
	failed bool
}

// Pending predictions in submission order. Entries retire front to back
// once a transition covers their confirmed mutation timestamp, so a
// prediction never outlives the server state that supersedes it.
type OptimisticQueue struct {
	stateLock sync.Mutex
	entries   []*optimisticEntry
}

func NewOptimisticQueue() *OptimisticQueue {
	return &OptimisticQueue{}
}

func (self *OptimisticQueue) Enqueue(requestId RequestId, update OptimisticUpdate) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.entries = append(self.entries, &optimisticEntry{
		requestId: requestId,
		update:    update,
	})
}

// ConfirmTimestamp records the server timestamp of the entry's mutation.
// The entry retires once a transition reaches that timestamp.
func (self *OptimisticQueue) ConfirmTimestamp(requestId RequestId, ts Timestamp) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, entry := range self.entries {
		if entry.requestId == requestId {
			entry.mutationTs = &ts
			return true
		}
	}
	return false
}

// Drop removes the entry immediately. Used when the server rejected the
// mutation, since there is no timestamp that will ever retire it.
func (self *OptimisticQueue) Drop(requestId RequestId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := len(self.entries)
	self.entries = slices.DeleteFunc(self.entries, func(entry *optimisticEntry) bool {
		return entry.requestId == requestId
	})
	return len(self.entries) != n
}

// MarkFailed flags entries whose requests failed locally.
// They keep applying until the next transition sweep so the view does not
// snap back before fresh server state arrives.
func (self *OptimisticQueue) MarkFailed(requestIds []RequestId) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	marked := 0
	for _, entry := range self.entries {
		if entry.mutationTs == nil && slices.Contains(requestIds, entry.requestId) {
			entry.failed = true
			marked += 1
		}
	}
	return marked
}

// SweepFailed removes entries flagged by `MarkFailed`.
// Called when a transition is applied.
func (self *OptimisticQueue) SweepFailed() []RequestId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	swept := []RequestId{}
	self.entries = slices.DeleteFunc(self.entries, func(entry *optimisticEntry) bool {
		if entry.failed {
			swept = append(swept, entry.requestId)
			return true
		}
		return false
	})
	return swept
}

// RetireUpTo removes leading entries whose mutation timestamp is covered
// by `endTs`. Retirement stops at the first unconfirmed or uncovered
// entry to preserve submission order.
func (self *OptimisticQueue) RetireUpTo(endTs Timestamp) []RequestId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	retired := []RequestId{}
	for 0 < len(self.entries) {
		entry := self.entries[0]
		if entry.mutationTs == nil || endTs < *entry.mutationTs {
			break
		}
		retired = append(retired, entry.requestId)
		self.entries = self.entries[1:]
	}
	return retired
}

// Apply folds every pending update over `base` in submission order and
// returns the result. `base` must be a private copy; it is edited in
// place. An update that panics is dropped and logged.
func (self *OptimisticQueue) Apply(base map[QueryId]FunctionResult, assign queryIdAssign) map[QueryId]FunctionResult {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	store := &OptimisticLocalStore{
		results: base,
		assign:  assign,
	}
	kept := make([]*optimisticEntry, 0, len(self.entries))
	for _, entry := range self.entries {
		if applyEntry(store, entry) {
			kept = append(kept, entry)
		}
	}
	self.entries = kept
	return store.results
}

func applyEntry(store *OptimisticLocalStore, entry *optimisticEntry) (applied bool) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[opt]drop update for request %d after panic: %v\n", entry.requestId, r)
			applied = false
		}
	}()
	entry.update(store)
	return true
}

func (self *OptimisticQueue) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}
