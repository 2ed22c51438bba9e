package tide

import (
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"
)

// Holds the latest server-confirmed result per query and publishes the
// consumer-visible view, which is the confirmed snapshot with pending
// optimistic updates replayed on top. Reads of the visible view are
// lock free.
type LocalStore struct {
	stateLock sync.Mutex
	confirmed map[QueryId]FunctionResult
	journals  map[QueryId]*string

	observable atomic.Pointer[map[QueryId]FunctionResult]
}

func NewLocalStore() *LocalStore {
	store := &LocalStore{
		confirmed: map[QueryId]FunctionResult{},
		journals:  map[QueryId]*string{},
	}
	empty := map[QueryId]FunctionResult{}
	store.observable.Store(&empty)
	return store
}

func (self *LocalStore) SetConfirmed(queryId QueryId, result FunctionResult) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.confirmed[queryId] = result
}

func (self *LocalStore) RemoveConfirmed(queryId QueryId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.confirmed, queryId)
	delete(self.journals, queryId)
}

func (self *LocalStore) Confirmed(queryId QueryId) (FunctionResult, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	result, ok := self.confirmed[queryId]
	return result, ok
}

// ConfirmedSnapshot copies the confirmed results as the base for an
// optimistic replay.
func (self *LocalStore) ConfirmedSnapshot() map[QueryId]FunctionResult {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	snapshot := map[QueryId]FunctionResult{}
	maps.Copy(snapshot, self.confirmed)
	return snapshot
}

func (self *LocalStore) SetJournal(queryId QueryId, journal *string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if journal == nil {
		return
	}
	self.journals[queryId] = journal
}

// Journal returns the latest pagination journal the server sent for the
// query, to be replayed when the query is resent on a new connection.
func (self *LocalStore) Journal(queryId QueryId) *string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.journals[queryId]
}

// PublishObservable swaps in the next consumer-visible view and returns
// the ids whose visible result changed, sorted.
func (self *LocalStore) PublishObservable(next map[QueryId]FunctionResult) []QueryId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	previous := *self.observable.Load()

	changedQueryIds := []QueryId{}
	for queryId, result := range next {
		previousResult, ok := previous[queryId]
		if !ok || !result.Equal(previousResult) {
			changedQueryIds = append(changedQueryIds, queryId)
		}
	}
	for queryId := range previous {
		if _, ok := next[queryId]; !ok {
			changedQueryIds = append(changedQueryIds, queryId)
		}
	}
	slices.Sort(changedQueryIds)

	self.observable.Store(&next)
	return changedQueryIds
}

// Observable returns the consumer-visible result for a query.
// Unlike the confirmed accessors this never blocks on writers.
func (self *LocalStore) Observable(queryId QueryId) (FunctionResult, bool) {
	snapshot := *self.observable.Load()
	result, ok := snapshot[queryId]
	return result, ok
}

func (self *LocalStore) ObservableSnapshot() map[QueryId]FunctionResult {
	snapshot := *self.observable.Load()
	out := map[QueryId]FunctionResult{}
	maps.Copy(out, snapshot)
	return out
}
