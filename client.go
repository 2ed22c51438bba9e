package tide

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ClientSettings struct {
	// identifies the session across reconnects. Zero means generate one.
	SessionId Id
	// overrides the websocket dial, for tests and embedded servers
	TransportDialer     TransportDialer
	WebsocketSettings   *WebsocketTransportSettings
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
	SendTimeout         time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WebsocketSettings:   DefaultWebsocketTransportSettings(),
		ReconnectMinTimeout: 500 * time.Millisecond,
		ReconnectMaxTimeout: 30 * time.Second,
		SendTimeout:         5 * time.Second,
	}
}

// fired after each applied transition and after each locally applied
// prediction. `Version` is nil for predictions.
type TransitionEvent struct {
	Version         *Version
	ChangedQueryIds []QueryId
}

type TransitionFunction func(event *TransitionEvent)

type AuthErrorFunction func(errorMessage string)

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	deploymentUrl string
	wsUrl         string
	sessionId     Id
	settings      *ClientSettings

	clock    *VersionClock
	mux      *RequestMux
	store    *LocalStore
	queue    *OptimisticQueue
	querySet *QuerySetManager

	stateLock sync.Mutex
	conn      Transport
	authToken string

	statusLock      sync.Mutex
	state           ConnectionState
	closed          bool
	connectionCount uint32
	lastCloseReason string
	statusMonitor   *Monitor

	transitionCallbacks *CallbackList[TransitionFunction]
	authErrorCallbacks  *CallbackList[AuthErrorFunction]

	closeOnce sync.Once
}

func NewClientWithDefaults(ctx context.Context, deploymentUrl string) (*Client, error) {
	return NewClient(ctx, deploymentUrl, DefaultClientSettings())
}

func NewClient(ctx context.Context, deploymentUrl string, settings *ClientSettings) (*Client, error) {
	wsUrl, err := SyncUrl(deploymentUrl)
	if err != nil {
		return nil, err
	}

	sessionId := settings.SessionId
	if sessionId == (Id{}) {
		sessionId = NewId()
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:                 cancelCtx,
		cancel:              cancel,
		deploymentUrl:       deploymentUrl,
		wsUrl:               wsUrl,
		sessionId:           sessionId,
		settings:            settings,
		clock:               NewVersionClock(),
		mux:                 NewRequestMux(),
		store:               NewLocalStore(),
		queue:               NewOptimisticQueue(),
		querySet:            NewQuerySetManager(),
		state:               ConnectionStateDisconnected,
		lastCloseReason:     "InitialConnect",
		statusMonitor:       NewMonitor(),
		transitionCallbacks: NewCallbackList[TransitionFunction](),
		authErrorCallbacks:  NewCallbackList[AuthErrorFunction](),
	}
	go client.run()
	return client, nil
}

func (self *Client) SessionId() Id {
	return self.sessionId
}

// Subscribe adds the query to the wanted set and returns a handle to its
// live result. Identical path+args share one server subscription.
func (self *Client) Subscribe(path string, args any) (*Subscription, error) {
	canonicalPath, err := CanonicalFunctionPath(path)
	if err != nil {
		return nil, err
	}
	argsValue, err := canonicalArgs(args)
	if err != nil {
		return nil, err
	}
	queryId := self.querySet.Subscribe(canonicalPath, argsValue)
	return &Subscription{
		client:  self,
		queryId: queryId,
		path:    canonicalPath,
		args:    argsValue,
	}, nil
}

// ObservableResult returns the consumer-visible result for a query,
// whether it is subscribed or only predicted by an optimistic update
func (self *Client) ObservableResult(path string, args any) (FunctionResult, bool) {
	canonicalPath, err := CanonicalFunctionPath(path)
	if err != nil {
		return FunctionResult{}, false
	}
	argsValue, err := canonicalArgs(args)
	if err != nil {
		return FunctionResult{}, false
	}
	queryId, ok := self.querySet.Lookup(canonicalPath, argsValue)
	if !ok {
		return FunctionResult{}, false
	}
	return self.store.Observable(queryId)
}

func (self *Client) Mutate(ctx context.Context, path string, args any) (Value, error) {
	return self.MutateWithOptimisticUpdate(ctx, path, args, nil)
}

// MutateWithOptimisticUpdate runs a mutation on the server and applies
// `update` locally until the mutation's effect arrives in a transition.
// Blocks for the result. A canceled ctx abandons the wait, not the
// mutation.
func (self *Client) MutateWithOptimisticUpdate(
	ctx context.Context,
	path string,
	args any,
	update OptimisticUpdate,
) (Value, error) {
	canonicalPath, err := CanonicalFunctionPath(path)
	if err != nil {
		return nil, err
	}
	argsValue, err := canonicalArgs(args)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	transport := self.conn
	if transport == nil {
		self.stateLock.Unlock()
		return nil, &ConnectionLostError{Reason: "not connected"}
	}
	requestId, future := self.mux.Submit(RequestKindMutation, canonicalPath)
	var changed []QueryId
	if update != nil {
		self.queue.Enqueue(requestId, update)
		changed = self.recomputeObservableLocked()
	}
	self.stateLock.Unlock()

	if 0 < len(changed) {
		self.notifyTransition(&TransitionEvent{ChangedQueryIds: changed})
	}

	frame, err := EncodeClientMessage(&MutationRequest{
		RequestId: requestId,
		Path:      canonicalPath,
		Args:      argsValue,
	})
	if err != nil {
		self.abortRequest(requestId, err, update != nil)
		return nil, err
	}
	if !self.sendFrame(transport, frame) {
		err := &ConnectionLostError{Reason: "send failed"}
		self.abortRequest(requestId, err, update != nil)
		return nil, err
	}

	glog.V(1).Infof("[c]mutation %d %s\n", requestId, canonicalPath)
	return self.await(ctx, future)
}

// RunAction runs an action on the server and blocks for the result.
// Actions have no transition semantics and no optimistic updates.
func (self *Client) RunAction(ctx context.Context, path string, args any) (Value, error) {
	canonicalPath, err := CanonicalFunctionPath(path)
	if err != nil {
		return nil, err
	}
	argsValue, err := canonicalArgs(args)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	transport := self.conn
	if transport == nil {
		self.stateLock.Unlock()
		return nil, &ConnectionLostError{Reason: "not connected"}
	}
	requestId, future := self.mux.Submit(RequestKindAction, canonicalPath)
	self.stateLock.Unlock()

	frame, err := EncodeClientMessage(&ActionRequest{
		RequestId: requestId,
		Path:      canonicalPath,
		Args:      argsValue,
	})
	if err != nil {
		self.abortRequest(requestId, err, false)
		return nil, err
	}
	if !self.sendFrame(transport, frame) {
		err := &ConnectionLostError{Reason: "send failed"}
		self.abortRequest(requestId, err, false)
		return nil, err
	}

	glog.V(1).Infof("[c]action %d %s\n", requestId, canonicalPath)
	return self.await(ctx, future)
}

func (self *Client) await(ctx context.Context, future <-chan *FunctionResult) (Value, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-future:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Value, nil
	}
}

func (self *Client) abortRequest(requestId RequestId, err error, hadUpdate bool) {
	self.mux.Resolve(requestId, &FunctionResult{Err: err})
	if hadUpdate && self.queue.Drop(requestId) {
		self.stateLock.Lock()
		changed := self.recomputeObservableLocked()
		self.stateLock.Unlock()
		if 0 < len(changed) {
			self.notifyTransition(&TransitionEvent{ChangedQueryIds: changed})
		}
	}
}

// SetAuth attaches an identity token to the session. The token is parsed
// locally only to reject ones that are already expired; the server is
// the verifier.
func (self *Client) SetAuth(token string) error {
	claims, err := ParseAuthClaimsUnverified(token)
	if err != nil {
		return err
	}
	if claims.Expired(time.Now()) {
		return fmt.Errorf("auth token is expired")
	}
	self.sendAuth(token)
	return nil
}

func (self *Client) ClearAuth() {
	self.sendAuth("")
}

func (self *Client) sendAuth(token string) {
	self.stateLock.Lock()
	self.authToken = token
	transport := self.conn
	var frame []byte
	if transport != nil {
		var err error
		frame, err = EncodeClientMessage(&Authenticate{
			BaseVersion: self.clock.AdvanceIdentity(),
			Token:       token,
		})
		if err != nil {
			glog.Errorf("[c]encode error = %s\n", err)
			frame = nil
		}
	}
	self.stateLock.Unlock()

	if transport != nil && frame != nil {
		self.sendFrame(transport, frame)
	}
}

func (self *Client) MaxObservedTimestamp() (Timestamp, bool) {
	return self.clock.MaxObservedTimestamp()
}

func (self *Client) AddTransitionCallback(callback TransitionFunction) func() {
	callbackId := self.transitionCallbacks.Add(callback)
	return func() {
		self.transitionCallbacks.Remove(callbackId)
	}
}

func (self *Client) AddAuthErrorCallback(callback AuthErrorFunction) func() {
	callbackId := self.authErrorCallbacks.Add(callback)
	return func() {
		self.authErrorCallbacks.Remove(callbackId)
	}
}

func (self *Client) Close() {
	self.close("client closed")
}

func (self *Client) close(closeReason string) {
	self.closeOnce.Do(func() {
		self.statusLock.Lock()
		self.state = ConnectionStateClosed
		self.closed = true
		self.lastCloseReason = closeReason
		self.statusMonitor.NotifyAll()
		self.statusLock.Unlock()

		self.cancel()

		self.stateLock.Lock()
		transport := self.conn
		self.conn = nil
		self.stateLock.Unlock()
		if transport != nil {
			transport.Close()
		}

		self.mux.FailAll(&ConnectionLostError{Reason: closeReason})
		glog.V(1).Infof("[c]closed = %s\n", closeReason)
	})
}

// handleServerMessage applies one inbound message. A non-nil error ends
// the connection that delivered it.
func (self *Client) handleServerMessage(transport Transport, message ServerMessage) error {
	self.stateLock.Lock()
	if self.conn != transport {
		// stale connection
		self.stateLock.Unlock()
		return nil
	}

	switch v := message.(type) {
	case *Transition:
		return self.applyTransitionLocked(v)
	case *MutationResponse:
		return self.applyMutationResponseLocked(v)
	case *ActionResponse:
		self.stateLock.Unlock()
		result := &FunctionResult{}
		if v.Success {
			result.Value = v.Result
		} else {
			result.Err = &ServerRejectedError{
				Message: v.ErrorMessage,
				Data:    v.ErrorData,
			}
		}
		self.mux.Resolve(v.RequestId, result)
		self.logFunctionLines(v.RequestId, v.LogLines)
		return nil
	case *AuthError:
		// the token was rejected; drop it so the reconnect does not loop
		// on the same bad token
		self.authToken = ""
		errorMessage := v.Error
		self.stateLock.Unlock()
		self.notifyAuthError(errorMessage)
		return &ConnectionLostError{Reason: fmt.Sprintf("auth rejected: %s", errorMessage)}
	case *FatalError:
		self.stateLock.Unlock()
		return &FatalConnectionError{Message: v.Error}
	case *Ping:
		self.stateLock.Unlock()
		glog.V(2).Infof("[c]ping\n")
		return nil
	default:
		self.stateLock.Unlock()
		return &ProtocolDecodeError{Reason: fmt.Sprintf("unhandled message %T", message)}
	}
}

// stateLock held on entry, released on return
func (self *Client) applyTransitionLocked(transition *Transition) error {
	if err := self.clock.Accept(transition.StartVersion, transition.EndVersion); err != nil {
		self.stateLock.Unlock()
		return err
	}

	for _, modification := range transition.Modifications {
		switch m := modification.(type) {
		case *QueryUpdated:
			self.store.SetConfirmed(m.QueryId, FunctionResult{Value: m.Value})
			self.store.SetJournal(m.QueryId, m.Journal)
			self.logQueryLines(m.QueryId, m.LogLines)
		case *QueryFailed:
			self.store.SetConfirmed(m.QueryId, FunctionResult{
				Err: &ServerRejectedError{Message: m.ErrorMessage},
			})
			self.logQueryLines(m.QueryId, m.LogLines)
		case *QueryRemoved:
			self.store.RemoveConfirmed(m.QueryId)
		}
	}

	self.queue.SweepFailed()
	self.queue.RetireUpTo(transition.EndVersion.Ts)
	changed := self.recomputeObservableLocked()
	endVersion := transition.EndVersion
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]transition -> %s (%d changed)\n", endVersion, len(changed))
	self.notifyTransition(&TransitionEvent{
		Version:         &endVersion,
		ChangedQueryIds: changed,
	})
	return nil
}

// stateLock held on entry, released on return
func (self *Client) applyMutationResponseLocked(response *MutationResponse) error {
	result := &FunctionResult{}
	var changed []QueryId
	if response.Success {
		result.Value = response.Result
		if response.Ts != nil {
			self.queue.ConfirmTimestamp(response.RequestId, *response.Ts)
			self.clock.Observe(*response.Ts)
		} else {
			// without a timestamp the prediction can never retire
			if self.queue.Drop(response.RequestId) {
				changed = self.recomputeObservableLocked()
			}
		}
	} else {
		result.Err = &ServerRejectedError{
			Message: response.ErrorMessage,
			Data:    response.ErrorData,
		}
		if self.queue.Drop(response.RequestId) {
			changed = self.recomputeObservableLocked()
		}
	}
	self.stateLock.Unlock()

	self.mux.Resolve(response.RequestId, result)
	self.logFunctionLines(response.RequestId, response.LogLines)
	if 0 < len(changed) {
		self.notifyTransition(&TransitionEvent{ChangedQueryIds: changed})
	}
	return nil
}

// stateLock held
func (self *Client) recomputeObservableLocked() []QueryId {
	base := self.store.ConfirmedSnapshot()
	next := self.queue.Apply(base, self.querySet.AssignQueryId)
	return self.store.PublishObservable(next)
}

func (self *Client) notifyTransition(event *TransitionEvent) {
	// only subscribed queries notify
	wanted := make([]QueryId, 0, len(event.ChangedQueryIds))
	for _, queryId := range event.ChangedQueryIds {
		if self.querySet.IsWanted(queryId) {
			wanted = append(wanted, queryId)
		}
	}
	event.ChangedQueryIds = wanted

	if event.Version == nil && 0 == len(event.ChangedQueryIds) {
		return
	}
	for _, callback := range self.transitionCallbacks.Get() {
		HandleError(func() {
			callback(event)
		})
	}
}

func (self *Client) notifyAuthError(errorMessage string) {
	for _, callback := range self.authErrorCallbacks.Get() {
		HandleError(func() {
			callback(errorMessage)
		})
	}
}

func (self *Client) logQueryLines(queryId QueryId, logLines []string) {
	if 0 == len(logLines) {
		return
	}
	path, _ := self.querySet.Path(queryId)
	for _, line := range logLines {
		glog.Infof("[udf]%s %s\n", path, line)
	}
}

func (self *Client) logFunctionLines(requestId RequestId, logLines []string) {
	for _, line := range logLines {
		glog.Infof("[udf]%d %s\n", requestId, line)
	}
}

func (self *Client) unsubscribe(queryId QueryId) {
	if self.querySet.Unsubscribe(queryId) {
		self.stateLock.Lock()
		self.store.RemoveConfirmed(queryId)
		changed := self.recomputeObservableLocked()
		self.stateLock.Unlock()
		if 0 < len(changed) {
			self.notifyTransition(&TransitionEvent{ChangedQueryIds: changed})
		}
	}
}

// A Subscription is one consumer's reference to a live query.
// Results update in place as transitions and predictions land.
type Subscription struct {
	client  *Client
	queryId QueryId
	path    string
	args    Value

	unsubOnce sync.Once
}

func (self *Subscription) QueryId() QueryId {
	return self.queryId
}

func (self *Subscription) Path() string {
	return self.path
}

// Result returns the current consumer-visible result.
// False until the first transition or prediction covers the query.
func (self *Subscription) Result() (FunctionResult, bool) {
	return self.client.store.Observable(self.queryId)
}

// Value returns the current result value, or false when the result is
// absent or errored
func (self *Subscription) Value() (Value, bool) {
	result, ok := self.Result()
	if !ok || result.Err != nil {
		return nil, false
	}
	return result.Value, true
}

// Unsubscribe drops this reference. The last reference removes the query
// from the wanted set and its confirmed result from the store.
func (self *Subscription) Unsubscribe() {
	self.unsubOnce.Do(func() {
		self.client.unsubscribe(self.queryId)
	})
}
