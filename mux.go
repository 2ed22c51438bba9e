package tide

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type RequestKind string

const (
	RequestKindMutation RequestKind = "mutation"
	RequestKindAction   RequestKind = "action"
)

type pendingRequest struct {
	requestId RequestId
	kind      RequestKind
	path      string
	// buffered. Exactly one result is ever delivered.
	result chan *FunctionResult
}

// Correlates request ids to waiting callers. Ids are allocated strictly
// increasing and never reused, so a late response for a failed request can
// only miss, never resolve the wrong caller.
type RequestMux struct {
	stateLock     sync.Mutex
	nextRequestId RequestId
	pending       map[RequestId]*pendingRequest
}

func NewRequestMux() *RequestMux {
	return &RequestMux{
		pending: map[RequestId]*pendingRequest{},
	}
}

// Submit allocates the next request id and registers a future for it.
// The future receives exactly one result, from `Resolve` or `FailAll`.
func (self *RequestMux) Submit(kind RequestKind, path string) (RequestId, <-chan *FunctionResult) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	requestId := self.nextRequestId
	self.nextRequestId += 1

	request := &pendingRequest{
		requestId: requestId,
		kind:      kind,
		path:      path,
		result:    make(chan *FunctionResult, 1),
	}
	self.pending[requestId] = request
	return requestId, request.result
}

// Resolve delivers the result for a pending request.
// Unknown ids are dropped, which covers responses that arrive after the
// request was already failed.
func (self *RequestMux) Resolve(requestId RequestId, result *FunctionResult) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	request, ok := self.pending[requestId]
	if !ok {
		glog.V(1).Infof("[mux]drop response for unknown request %d\n", requestId)
		return false
	}
	delete(self.pending, requestId)
	request.result <- result
	return true
}

// FailAll rejects every pending request with `err` and returns the failed
// ids. Used on connection loss and close. Requests are never retried here.
func (self *RequestMux) FailAll(err error) []RequestId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	failedRequestIds := maps.Keys(self.pending)
	for _, request := range self.pending {
		request.result <- &FunctionResult{Err: err}
	}
	maps.Clear(self.pending)
	return failedRequestIds
}

func (self *RequestMux) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.pending)
}
