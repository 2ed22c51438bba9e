package tide

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

const testTimeout = 5 * time.Second

// the server end of the sync protocol, over in-memory pipes
type testServer struct {
	accepted chan *testConn
}

func newTestServer() *testServer {
	return &testServer{
		accepted: make(chan *testConn, 8),
	}
}

func (self *testServer) dialer() TransportDialer {
	return func(ctx context.Context) (Transport, error) {
		clientSide, serverSide := NewPipeTransport(ctx)
		self.accepted <- &testConn{transport: serverSide}
		return clientSide, nil
	}
}

func (self *testServer) accept(t *testing.T) *testConn {
	select {
	case conn := <-self.accepted:
		return conn
	case <-time.After(testTimeout):
		t.Fatal("no connection")
		return nil
	}
}

func (self *testServer) expectNoConnect(t *testing.T, wait time.Duration) {
	select {
	case <-self.accepted:
		t.Fatal("unexpected connection")
	case <-time.After(wait):
	}
}

type testConn struct {
	transport *PipeTransport
}

func (self *testConn) recv(t *testing.T) ClientMessage {
	select {
	case frame := <-self.transport.ReceiveRoute():
		message, err := DecodeClientMessage(frame)
		assert.Equal(t, err, nil)
		return message
	case <-time.After(testTimeout):
		t.Fatal("no frame")
		return nil
	}
}

func (self *testConn) send(t *testing.T, message ServerMessage) {
	frame, err := EncodeServerMessage(message)
	assert.Equal(t, err, nil)
	self.sendRaw(t, frame)
}

func (self *testConn) sendRaw(t *testing.T, frame []byte) {
	select {
	case self.transport.SendRoute() <- frame:
	case <-time.After(testTimeout):
		t.Fatal("send stalled")
	}
}

func (self *testConn) close() {
	self.transport.Close()
}

func newTestClient(t *testing.T, ctx context.Context, server *testServer) *Client {
	settings := DefaultClientSettings()
	settings.TransportDialer = server.dialer()
	settings.ReconnectMinTimeout = 10 * time.Millisecond
	settings.ReconnectMaxTimeout = 50 * time.Millisecond
	client, err := NewClient(ctx, "https://deploy.example.com", settings)
	assert.Equal(t, err, nil)
	return client
}

// drain the handshake frames and wait for the connected state
func awaitHandshake(t *testing.T, ctx context.Context, client *Client, conn *testConn, withQuerySet bool) {
	_, ok := conn.recv(t).(*Connect)
	assert.Equal(t, ok, true)
	if withQuerySet {
		_, ok := conn.recv(t).(*ModifyQuerySet)
		assert.Equal(t, ok, true)
	}
	err := client.AwaitConnectionState(ctx, ConnectionStateConnected)
	assert.Equal(t, err, nil)
}

func waitFor(t *testing.T, message string, condition func() bool) {
	end := time.Now().Add(testTimeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(message)
}

type callResult struct {
	value Value
	err   error
}

func mutateAsync(ctx context.Context, client *Client, path string, args any, update OptimisticUpdate) chan *callResult {
	results := make(chan *callResult, 1)
	go func() {
		value, err := client.MutateWithOptimisticUpdate(ctx, path, args, update)
		results <- &callResult{value: value, err: err}
	}()
	return results
}

func actionAsync(ctx context.Context, client *Client, path string, args any) chan *callResult {
	results := make(chan *callResult, 1)
	go func() {
		value, err := client.RunAction(ctx, path, args)
		results <- &callResult{value: value, err: err}
	}()
	return results
}

func awaitCall(t *testing.T, results <-chan *callResult) *callResult {
	select {
	case result := <-results:
		return result
	case <-time.After(testTimeout):
		t.Fatal("call did not return")
		return nil
	}
}

func awaitEvent(t *testing.T, events <-chan *TransitionEvent) *TransitionEvent {
	select {
	case event := <-events:
		return event
	case <-time.After(testTimeout):
		t.Fatal("no transition event")
		return nil
	}
}

func testJwt(t *testing.T, expiry time.Time) string {
	claims := gojwt.MapClaims{
		"sub": "user-1",
		"iss": "https://auth.example.com",
		"exp": expiry.Unix(),
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	assert.Equal(t, err, nil)
	return token
}

func TestClientHandshake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := NewClientWithDefaults(ctx, "ftp://deploy.example.com")
	assert.Equal(t, err == nil, false)

	server := newTestServer()
	sessionId := NewId()
	settings := DefaultClientSettings()
	settings.SessionId = sessionId
	settings.TransportDialer = server.dialer()
	settings.ReconnectMinTimeout = 10 * time.Millisecond
	settings.ReconnectMaxTimeout = 50 * time.Millisecond
	client, err := NewClient(ctx, "https://deploy.example.com", settings)
	assert.Equal(t, err, nil)
	defer client.Close()
	assert.Equal(t, client.SessionId(), sessionId)

	_, err = client.Subscribe("", nil)
	assert.Equal(t, err == nil, false)
	_, err = client.Mutate(ctx, "", nil)
	assert.Equal(t, err == nil, false)

	sub, err := client.Subscribe("messages:list", map[string]any{"channel": "general"})
	assert.Equal(t, err, nil)

	conn := server.accept(t)
	connect, ok := conn.recv(t).(*Connect)
	assert.Equal(t, ok, true)
	assert.Equal(t, connect.SessionId, sessionId)
	assert.Equal(t, connect.ConnectionCount, uint32(0))
	assert.Equal(t, connect.LastCloseReason, "InitialConnect")
	assert.Equal(t, connect.MaxObservedTimestamp == nil, true)

	modify, ok := conn.recv(t).(*ModifyQuerySet)
	assert.Equal(t, ok, true)
	assert.Equal(t, modify.BaseVersion, uint32(0))
	assert.Equal(t, len(modify.Removed), 0)
	assert.Equal(t, len(modify.Added), 1)
	assert.Equal(t, modify.Added[0].QueryId, sub.QueryId())
	assert.Equal(t, modify.Added[0].Path, "messages:list")
	assert.Equal(t, string(modify.Added[0].Args), `{"channel":"general"}`)

	err = client.AwaitConnectionState(ctx, ConnectionStateConnected)
	assert.Equal(t, err, nil)
	assert.Equal(t, client.ConnectionStatus().ConnectionCount, uint32(1))
	assert.Equal(t, client.ConnectionStatus().State, ConnectionStateConnected)
}

func TestClientTransitionOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	client := newTestClient(t, ctx, server)
	defer client.Close()

	sub, err := client.Subscribe("counter:get", nil)
	assert.Equal(t, err, nil)

	conn := server.accept(t)
	awaitHandshake(t, ctx, client, conn, true)

	// a server ping is surfaced to no one
	conn.send(t, &Ping{})

	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 0},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 100},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: sub.QueryId(), Value: RequireValue(1)},
		},
	})
	waitFor(t, "first transition", func() bool {
		value, ok := sub.Value()
		return ok && string(value) == "1"
	})

	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 100},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 200},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: sub.QueryId(), Value: RequireValue(2)},
		},
	})
	waitFor(t, "second transition", func() bool {
		value, ok := sub.Value()
		return ok && string(value) == "2"
	})

	maxObserved, ok := client.MaxObservedTimestamp()
	assert.Equal(t, ok, true)
	assert.Equal(t, maxObserved, Timestamp(200))

	// a gap in the sequence ends the connection instead of applying
	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 250},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 300},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: sub.QueryId(), Value: RequireValue(99)},
		},
	})

	conn2 := server.accept(t)
	connect2, ok := conn2.recv(t).(*Connect)
	assert.Equal(t, ok, true)
	assert.Equal(t, connect2.ConnectionCount, uint32(1))
	assert.Equal(t, strings.Contains(connect2.LastCloseReason, "out of order transition"), true)
	// the watermark survives the reconnect
	assert.Equal(t, connect2.MaxObservedTimestamp == nil, false)
	assert.Equal(t, *connect2.MaxObservedTimestamp, Timestamp(200))

	// the full wanted set is resent with the same stable id
	modify2, ok := conn2.recv(t).(*ModifyQuerySet)
	assert.Equal(t, ok, true)
	assert.Equal(t, modify2.BaseVersion, uint32(0))
	assert.Equal(t, len(modify2.Added), 1)
	assert.Equal(t, modify2.Added[0].QueryId, sub.QueryId())

	// the last good view stayed visible through the reconnect
	value, ok := sub.Value()
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "2")

	conn2.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 0},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 400},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: sub.QueryId(), Value: RequireValue(3)},
		},
	})
	waitFor(t, "fresh epoch transition", func() bool {
		value, ok := sub.Value()
		return ok && string(value) == "3"
	})
}

func TestClientJournalReplay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	client := newTestClient(t, ctx, server)
	defer client.Close()

	sub, err := client.Subscribe("messages:page", nil)
	assert.Equal(t, err, nil)

	conn := server.accept(t)
	awaitHandshake(t, ctx, client, conn, true)

	journal := "cursor-1"
	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 0},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 100},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: sub.QueryId(), Value: RequireValue([]string{"a"}), Journal: &journal},
		},
	})
	waitFor(t, "journaled result", func() bool {
		_, ok := sub.Value()
		return ok
	})

	conn.close()

	// the journal rides along when the query is resent
	conn2 := server.accept(t)
	conn2.recv(t)
	modify2, ok := conn2.recv(t).(*ModifyQuerySet)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(modify2.Added), 1)
	assert.Equal(t, modify2.Added[0].Journal == nil, false)
	assert.Equal(t, *modify2.Added[0].Journal, "cursor-1")
}

func TestClientMutation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	client := newTestClient(t, ctx, server)
	defer client.Close()

	sub, err := client.Subscribe("counter:get", nil)
	assert.Equal(t, err, nil)

	conn := server.accept(t)
	awaitHandshake(t, ctx, client, conn, true)

	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 0},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 100},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: sub.QueryId(), Value: RequireValue(1)},
		},
	})
	waitFor(t, "confirmed value", func() bool {
		value, ok := sub.Value()
		return ok && string(value) == "1"
	})

	increment := func(store *OptimisticLocalStore) {
		current := 0
		if value, ok := store.QueryResult("counter:get", nil); ok {
			value.Decode(&current)
		}
		store.SetQuery("counter:get", nil, RequireValue(current+1))
	}
	results := mutateAsync(ctx, client, "counter:increment", map[string]any{"by": 1}, increment)

	mutation, ok := conn.recv(t).(*MutationRequest)
	assert.Equal(t, ok, true)
	assert.Equal(t, mutation.Path, "counter:increment")
	assert.Equal(t, string(mutation.Args), `{"by":1}`)

	// the prediction was visible before the request left
	value, ok := sub.Value()
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "2")

	ts := Timestamp(150)
	conn.send(t, &MutationResponse{
		RequestId: mutation.RequestId,
		Success:   true,
		Result:    RequireValue("ok"),
		Ts:        &ts,
	})
	result := awaitCall(t, results)
	assert.Equal(t, result.err, nil)
	assert.Equal(t, string(result.value), `"ok"`)

	// confirmed but not yet covered by a transition, the prediction stays
	value, ok = sub.Value()
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "2")

	// the mutation timestamp feeds the watermark for read-your-writes
	maxObserved, ok := client.MaxObservedTimestamp()
	assert.Equal(t, ok, true)
	assert.Equal(t, maxObserved, Timestamp(150))

	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 100},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 200},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: sub.QueryId(), Value: RequireValue(2)},
		},
	})
	waitFor(t, "covering transition", func() bool {
		maxObserved, _ := client.MaxObservedTimestamp()
		return maxObserved == Timestamp(200)
	})

	// a later transition shows through directly: the prediction retired and
	// does not reapply on top
	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 200},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 300},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: sub.QueryId(), Value: RequireValue(7)},
		},
	})
	waitFor(t, "retired prediction", func() bool {
		value, ok := sub.Value()
		return ok && string(value) == "7"
	})
}

func TestClientMutationRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	client := newTestClient(t, ctx, server)
	defer client.Close()

	sub, err := client.Subscribe("counter:get", nil)
	assert.Equal(t, err, nil)

	conn := server.accept(t)
	awaitHandshake(t, ctx, client, conn, true)

	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 0},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 100},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: sub.QueryId(), Value: RequireValue(1)},
		},
	})
	waitFor(t, "confirmed value", func() bool {
		value, ok := sub.Value()
		return ok && string(value) == "1"
	})

	set9 := func(store *OptimisticLocalStore) {
		store.SetQuery("counter:get", nil, RequireValue(9))
	}
	results := mutateAsync(ctx, client, "counter:set", map[string]any{"to": 9}, set9)

	mutation, ok := conn.recv(t).(*MutationRequest)
	assert.Equal(t, ok, true)
	value, ok := sub.Value()
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "9")

	conn.send(t, &MutationResponse{
		RequestId:    mutation.RequestId,
		Success:      false,
		ErrorMessage: "over limit",
		ErrorData:    RequireValue(map[string]any{"code": "LIMIT"}),
	})
	result := awaitCall(t, results)
	var rejected *ServerRejectedError
	assert.Equal(t, errors.As(result.err, &rejected), true)
	assert.Equal(t, rejected.Message, "over limit")
	assert.Equal(t, string(rejected.Data), `{"code":"LIMIT"}`)

	// the prediction rolled back with the rejection
	value, ok = sub.Value()
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "1")
}

func TestClientMutationWithoutTimestamp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	client := newTestClient(t, ctx, server)
	defer client.Close()

	sub, err := client.Subscribe("counter:get", nil)
	assert.Equal(t, err, nil)

	conn := server.accept(t)
	awaitHandshake(t, ctx, client, conn, true)

	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 0},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 100},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: sub.QueryId(), Value: RequireValue(1)},
		},
	})
	waitFor(t, "confirmed value", func() bool {
		_, ok := sub.Value()
		return ok
	})

	set9 := func(store *OptimisticLocalStore) {
		store.SetQuery("counter:get", nil, RequireValue(9))
	}
	results := mutateAsync(ctx, client, "counter:set", nil, set9)

	mutation, ok := conn.recv(t).(*MutationRequest)
	assert.Equal(t, ok, true)

	// success with no timestamp can never be covered by a transition, so
	// the prediction is dropped at the response
	conn.send(t, &MutationResponse{
		RequestId: mutation.RequestId,
		Success:   true,
	})
	result := awaitCall(t, results)
	assert.Equal(t, result.err, nil)

	value, ok := sub.Value()
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "1")
}

func TestClientConnectionLostDuringMutation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	client := newTestClient(t, ctx, server)
	defer client.Close()

	sub, err := client.Subscribe("counter:get", nil)
	assert.Equal(t, err, nil)

	conn := server.accept(t)
	awaitHandshake(t, ctx, client, conn, true)

	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 0},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 100},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: sub.QueryId(), Value: RequireValue(1)},
		},
	})
	waitFor(t, "confirmed value", func() bool {
		_, ok := sub.Value()
		return ok
	})

	set9 := func(store *OptimisticLocalStore) {
		store.SetQuery("counter:get", nil, RequireValue(9))
	}
	results := mutateAsync(ctx, client, "counter:set", nil, set9)

	_, ok := conn.recv(t).(*MutationRequest)
	assert.Equal(t, ok, true)
	value, ok := sub.Value()
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "9")

	// the server dies without answering. The request fails and is never
	// retried.
	conn.close()
	result := awaitCall(t, results)
	var lost *ConnectionLostError
	assert.Equal(t, errors.As(result.err, &lost), true)

	// the prediction holds until fresh server state arrives
	value, ok = sub.Value()
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "9")

	conn2 := server.accept(t)
	connect2, ok := conn2.recv(t).(*Connect)
	assert.Equal(t, ok, true)
	assert.Equal(t, connect2.ConnectionCount, uint32(1))
	assert.Equal(t, connect2.MaxObservedTimestamp == nil, false)
	assert.Equal(t, *connect2.MaxObservedTimestamp, Timestamp(100))
	conn2.recv(t)

	// still predicted across the reconnect
	value, ok = sub.Value()
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), "9")

	// the first applied transition sweeps the failed prediction
	conn2.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 0},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 150},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: sub.QueryId(), Value: RequireValue(5)},
		},
	})
	waitFor(t, "swept prediction", func() bool {
		value, ok := sub.Value()
		return ok && string(value) == "5"
	})
}

func TestClientTransitionEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	client := newTestClient(t, ctx, server)
	defer client.Close()

	sub, err := client.Subscribe("list:items", nil)
	assert.Equal(t, err, nil)
	listQueryId := sub.QueryId()

	events := make(chan *TransitionEvent, 8)
	removeCallback := client.AddTransitionCallback(func(event *TransitionEvent) {
		events <- event
	})
	defer removeCallback()

	conn := server.accept(t)
	awaitHandshake(t, ctx, client, conn, true)

	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 0},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 100},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: listQueryId, Value: RequireValue([]string{"a"})},
		},
	})
	event := awaitEvent(t, events)
	assert.Equal(t, event.Version == nil, false)
	assert.Equal(t, event.Version.Ts, Timestamp(100))
	assert.Equal(t, event.ChangedQueryIds, []QueryId{listQueryId})

	// the update also predicts a query no one subscribes to
	appendItem := func(store *OptimisticLocalStore) {
		items := []string{}
		if value, ok := store.QueryResult("list:items", nil); ok {
			value.Decode(&items)
		}
		items = append(items, "b")
		store.SetQuery("list:items", nil, RequireValue(items))
		store.SetQuery("list:count", nil, RequireValue(len(items)))
	}
	results := mutateAsync(ctx, client, "list:append", map[string]any{"item": "b"}, appendItem)

	mutation, ok := conn.recv(t).(*MutationRequest)
	assert.Equal(t, ok, true)

	// the prediction event names only the subscribed query
	event = awaitEvent(t, events)
	assert.Equal(t, event.Version == nil, true)
	assert.Equal(t, event.ChangedQueryIds, []QueryId{listQueryId})

	// but the unsubscribed prediction is readable
	countResult, ok := client.ObservableResult("list:count", nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, countResult.Err, nil)
	assert.Equal(t, string(countResult.Value), "2")

	ts := Timestamp(150)
	conn.send(t, &MutationResponse{
		RequestId: mutation.RequestId,
		Success:   true,
		Ts:        &ts,
	})
	result := awaitCall(t, results)
	assert.Equal(t, result.err, nil)

	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 100},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 200},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: listQueryId, Value: RequireValue([]string{"a", "b"})},
		},
	})
	event = awaitEvent(t, events)
	assert.Equal(t, event.Version == nil, false)
	assert.Equal(t, event.Version.Ts, Timestamp(200))
	// the confirmed value matches the prediction and the only visible
	// change is the unsubscribed one, which does not notify
	assert.Equal(t, len(event.ChangedQueryIds), 0)

	// the unsubscribed prediction retired with the mutation
	_, ok = client.ObservableResult("list:count", nil)
	assert.Equal(t, ok, false)

	_, ok = client.ObservableResult("never:seen", nil)
	assert.Equal(t, ok, false)
}

func TestClientQueryFailedAndRemoved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	client := newTestClient(t, ctx, server)
	defer client.Close()

	sub, err := client.Subscribe("messages:list", nil)
	assert.Equal(t, err, nil)

	conn := server.accept(t)
	awaitHandshake(t, ctx, client, conn, true)

	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 0},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 100},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: sub.QueryId(), Value: RequireValue([]string{"hi"})},
		},
	})
	waitFor(t, "confirmed value", func() bool {
		_, ok := sub.Value()
		return ok
	})

	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 100},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 200},
		Modifications: []TransitionModification{
			&QueryFailed{QueryId: sub.QueryId(), ErrorMessage: "index missing"},
		},
	})
	waitFor(t, "failed result", func() bool {
		result, ok := sub.Result()
		return ok && result.Err != nil
	})
	result, _ := sub.Result()
	assert.Equal(t, result.Err.Error(), "index missing")
	_, ok := sub.Value()
	assert.Equal(t, ok, false)

	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 200},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 300},
		Modifications: []TransitionModification{
			&QueryRemoved{QueryId: sub.QueryId()},
		},
	})
	waitFor(t, "removed result", func() bool {
		_, ok := sub.Result()
		return !ok
	})
}

func TestClientFatalError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	client := newTestClient(t, ctx, server)

	conn := server.accept(t)
	awaitHandshake(t, ctx, client, conn, false)

	conn.send(t, &FatalError{Error: "deployment deleted"})

	err := client.AwaitConnectionState(ctx, ConnectionStateClosed)
	assert.Equal(t, err, nil)
	status := client.ConnectionStatus()
	assert.Equal(t, status.State, ConnectionStateClosed)
	assert.Equal(t, strings.Contains(status.LastCloseReason, "deployment deleted"), true)

	// fatal means no reconnect
	server.expectNoConnect(t, 200*time.Millisecond)

	_, err = client.Mutate(ctx, "messages:send", nil)
	var lost *ConnectionLostError
	assert.Equal(t, errors.As(err, &lost), true)
}

func TestClientClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	client := newTestClient(t, ctx, server)

	conn := server.accept(t)
	awaitHandshake(t, ctx, client, conn, false)

	results := mutateAsync(ctx, client, "messages:send", map[string]any{"body": "hi"}, nil)
	_, ok := conn.recv(t).(*MutationRequest)
	assert.Equal(t, ok, true)

	client.Close()

	// the pending request fails instead of hanging
	result := awaitCall(t, results)
	var lost *ConnectionLostError
	assert.Equal(t, errors.As(result.err, &lost), true)

	assert.Equal(t, client.ConnectionStatus().State, ConnectionStateClosed)
	err := client.AwaitConnectionState(ctx, ConnectionStateConnected)
	assert.Equal(t, errors.As(err, &lost), true)

	select {
	case <-conn.transport.Done():
	case <-time.After(testTimeout):
		t.Fatal("transport not closed")
	}

	// closing twice is safe, and closed means closed
	client.Close()
	server.expectNoConnect(t, 200*time.Millisecond)
}

func TestClientAuth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	client := newTestClient(t, ctx, server)
	defer client.Close()

	// bad tokens are rejected locally and never sent
	err := client.SetAuth("not-a-token")
	assert.Equal(t, err == nil, false)
	err = client.SetAuth(testJwt(t, time.Now().Add(-1*time.Hour)))
	assert.Equal(t, err == nil, false)
	assert.Equal(t, err.Error(), "auth token is expired")

	_, err = client.Subscribe("profile:get", nil)
	assert.Equal(t, err, nil)

	conn := server.accept(t)
	awaitHandshake(t, ctx, client, conn, true)

	token := testJwt(t, time.Now().Add(1*time.Hour))
	err = client.SetAuth(token)
	assert.Equal(t, err, nil)

	authMessage, ok := conn.recv(t).(*Authenticate)
	assert.Equal(t, ok, true)
	assert.Equal(t, authMessage.Token, token)
	assert.Equal(t, authMessage.BaseVersion, uint32(0))

	// on reconnect the token is replayed between connect and the query set
	conn.close()
	conn2 := server.accept(t)
	connect2, ok := conn2.recv(t).(*Connect)
	assert.Equal(t, ok, true)
	assert.Equal(t, connect2.ConnectionCount, uint32(1))
	auth2, ok := conn2.recv(t).(*Authenticate)
	assert.Equal(t, ok, true)
	assert.Equal(t, auth2.Token, token)
	assert.Equal(t, auth2.BaseVersion, uint32(0))
	_, ok = conn2.recv(t).(*ModifyQuerySet)
	assert.Equal(t, ok, true)

	// a server-side rejection surfaces and drops the token
	authErrors := make(chan string, 1)
	removeCallback := client.AddAuthErrorCallback(func(errorMessage string) {
		authErrors <- errorMessage
	})
	defer removeCallback()

	conn2.send(t, &AuthError{Error: "token revoked"})
	select {
	case errorMessage := <-authErrors:
		assert.Equal(t, errorMessage, "token revoked")
	case <-time.After(testTimeout):
		t.Fatal("no auth error")
	}

	// the next handshake goes straight to the query set, no Authenticate
	conn3 := server.accept(t)
	_, ok = conn3.recv(t).(*Connect)
	assert.Equal(t, ok, true)
	_, ok = conn3.recv(t).(*ModifyQuerySet)
	assert.Equal(t, ok, true)

	// signing in and out on a live connection
	err = client.SetAuth(token)
	assert.Equal(t, err, nil)
	auth3, ok := conn3.recv(t).(*Authenticate)
	assert.Equal(t, ok, true)
	assert.Equal(t, auth3.BaseVersion, uint32(0))

	client.ClearAuth()
	auth4, ok := conn3.recv(t).(*Authenticate)
	assert.Equal(t, ok, true)
	assert.Equal(t, auth4.Token, "")
	assert.Equal(t, auth4.BaseVersion, uint32(1))
}

func TestClientUnsubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	client := newTestClient(t, ctx, server)
	defer client.Close()

	sub1, err := client.Subscribe("messages:list", map[string]any{"channel": "general"})
	assert.Equal(t, err, nil)

	conn := server.accept(t)
	awaitHandshake(t, ctx, client, conn, true)

	conn.send(t, &Transition{
		StartVersion: Version{QuerySet: 1, Identity: 0, Ts: 0},
		EndVersion:   Version{QuerySet: 1, Identity: 0, Ts: 100},
		Modifications: []TransitionModification{
			&QueryUpdated{QueryId: sub1.QueryId(), Value: RequireValue([]string{"hi"})},
		},
	})
	waitFor(t, "confirmed value", func() bool {
		_, ok := sub1.Value()
		return ok
	})

	// a second subscription to the same query shares the id
	sub2, err := client.Subscribe("messages:list", map[string]any{"channel": "general"})
	assert.Equal(t, err, nil)
	assert.Equal(t, sub2.QueryId(), sub1.QueryId())

	sub1.Unsubscribe()
	// repeated unsubscribe of the same handle is a no-op
	sub1.Unsubscribe()
	value, ok := sub2.Value()
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), `["hi"]`)

	// the last reference removes the query from the server set
	sub2.Unsubscribe()
	modify2, ok := conn.recv(t).(*ModifyQuerySet)
	assert.Equal(t, ok, true)
	assert.Equal(t, modify2.BaseVersion, uint32(1))
	assert.Equal(t, modify2.Removed, []QueryId{sub1.QueryId()})
	assert.Equal(t, len(modify2.Added), 0)

	_, ok = sub2.Result()
	assert.Equal(t, ok, false)

	// resubscribing reuses the same stable id
	sub3, err := client.Subscribe("messages:list", map[string]any{"channel": "general"})
	assert.Equal(t, err, nil)
	assert.Equal(t, sub3.QueryId(), sub1.QueryId())
	modify3, ok := conn.recv(t).(*ModifyQuerySet)
	assert.Equal(t, ok, true)
	assert.Equal(t, modify3.BaseVersion, uint32(2))
	assert.Equal(t, len(modify3.Added), 1)
	assert.Equal(t, modify3.Added[0].QueryId, sub1.QueryId())
}

func TestClientActions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	client := newTestClient(t, ctx, server)
	defer client.Close()

	conn := server.accept(t)
	awaitHandshake(t, ctx, client, conn, false)

	results := actionAsync(ctx, client, "email:send", map[string]any{"to": "x"})
	action, ok := conn.recv(t).(*ActionRequest)
	assert.Equal(t, ok, true)
	assert.Equal(t, action.Path, "email:send")
	assert.Equal(t, string(action.Args), `{"to":"x"}`)

	conn.send(t, &ActionResponse{
		RequestId: action.RequestId,
		Success:   true,
		Result:    RequireValue("sent"),
	})
	result := awaitCall(t, results)
	assert.Equal(t, result.err, nil)
	assert.Equal(t, string(result.value), `"sent"`)

	results = actionAsync(ctx, client, "email:send", nil)
	action2, ok := conn.recv(t).(*ActionRequest)
	assert.Equal(t, ok, true)
	assert.Equal(t, action2.RequestId == action.RequestId, false)

	conn.send(t, &ActionResponse{
		RequestId:    action2.RequestId,
		Success:      false,
		ErrorMessage: "smtp down",
	})
	result = awaitCall(t, results)
	var rejected *ServerRejectedError
	assert.Equal(t, errors.As(result.err, &rejected), true)
	assert.Equal(t, rejected.Message, "smtp down")
}

func TestClientProtocolError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	client := newTestClient(t, ctx, server)
	defer client.Close()

	conn := server.accept(t)
	awaitHandshake(t, ctx, client, conn, false)

	// an undecodable frame ends the connection rather than desyncing
	conn.sendRaw(t, []byte("not json"))

	conn2 := server.accept(t)
	connect2, ok := conn2.recv(t).(*Connect)
	assert.Equal(t, ok, true)
	assert.Equal(t, connect2.ConnectionCount, uint32(1))
	assert.Equal(t, strings.Contains(connect2.LastCloseReason, "protocol decode"), true)
}

func TestClientDialRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	attempts := atomic.Int32{}
	settings := DefaultClientSettings()
	settings.TransportDialer = func(ctx context.Context) (Transport, error) {
		if attempts.Add(1) <= 2 {
			return nil, errors.New("dial refused")
		}
		clientSide, serverSide := NewPipeTransport(ctx)
		server.accepted <- &testConn{transport: serverSide}
		return clientSide, nil
	}
	settings.ReconnectMinTimeout = 10 * time.Millisecond
	settings.ReconnectMaxTimeout = 50 * time.Millisecond
	client, err := NewClient(ctx, "https://deploy.example.com", settings)
	assert.Equal(t, err, nil)
	defer client.Close()

	conn := server.accept(t)
	connect, ok := conn.recv(t).(*Connect)
	assert.Equal(t, ok, true)
	assert.Equal(t, connect.ConnectionCount, uint32(0))
	assert.Equal(t, connect.LastCloseReason, "dial refused")

	err = client.AwaitConnectionState(ctx, ConnectionStateConnected)
	assert.Equal(t, err, nil)
	assert.Equal(t, attempts.Load(), int32(3))
}
