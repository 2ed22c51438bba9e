package tide

import (
	"fmt"
	mathrand "math/rand"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/golang/glog"
)

// HandleError runs `do` and converts a panic into a logged error passed
// to the handlers. Used around consumer callbacks so one bad callback
// cannot take down a pump.
func HandleError(do func(), handlers ...func(error)) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				handler(err)
			}
		}
	}()
	do()
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

// NotifyChannel returns a channel that closes at the next notify
func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.update
}

// close the update channel and create a new one
func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	close(self.update)
	self.update = make(chan struct{})
}

type callbackListEntry[T any] struct {
	callbackId int
	callback   T
}

// Registered callbacks in add order. The entries are copied on update so
// a snapshot from `Get` is safe to iterate while callbacks are added and
// removed.
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	entries        []*callbackListEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.entries))
	for _, entry := range self.entries {
		callbacks = append(callbacks, entry.callback)
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	nextEntries := slices.Clone(self.entries)
	self.entries = append(nextEntries, &callbackListEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.entries, func(entry *callbackListEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	self.entries = slices.Delete(slices.Clone(self.entries), i, i+1)
}

// Exponential backoff between connect attempts, with jitter so many
// clients that lost the same server do not reconnect in lockstep.
type Reconnect struct {
	mutex      sync.Mutex
	minTimeout time.Duration
	maxTimeout time.Duration
	attempt    int
}

func NewReconnect(minTimeout time.Duration, maxTimeout time.Duration) *Reconnect {
	return &Reconnect{
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
	}
}

// After returns a channel that fires when the next attempt should start.
// The delay doubles per attempt up to the max, uniformly jittered in
// [timeout/2, timeout].
func (self *Reconnect) After() <-chan time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	timeout := self.minTimeout
	for i := 0; i < self.attempt; i += 1 {
		timeout *= 2
		if self.maxTimeout <= timeout {
			timeout = self.maxTimeout
			break
		}
	}
	self.attempt += 1
	jittered := timeout/2 + time.Duration(mathrand.Int63n(int64(timeout/2)+1))
	return time.After(jittered)
}

// Reset returns the delay to the min after a healthy connection
func (self *Reconnect) Reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.attempt = 0
}
