package tide

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
)

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	// terminal. Entered on `Close` or a fatal server error.
	ConnectionStateClosed
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type ConnectionStatus struct {
	State ConnectionState
	// completed connects since the client was created
	ConnectionCount uint32
	LastCloseReason string
}

func (self *Client) ConnectionStatus() *ConnectionStatus {
	self.statusLock.Lock()
	defer self.statusLock.Unlock()

	return &ConnectionStatus{
		State:           self.state,
		ConnectionCount: self.connectionCount,
		LastCloseReason: self.lastCloseReason,
	}
}

// AwaitConnectionState blocks until the client reaches `state`.
// Returns an error when the ctx ends or the client closes first.
func (self *Client) AwaitConnectionState(ctx context.Context, state ConnectionState) error {
	for {
		self.statusLock.Lock()
		currentState := self.state
		notify := self.statusMonitor.NotifyChannel()
		self.statusLock.Unlock()

		if currentState == state {
			return nil
		}
		if currentState == ConnectionStateClosed {
			return &ConnectionLostError{Reason: "client closed"}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

func (self *Client) setConnectionState(state ConnectionState, closeReason string) {
	self.statusLock.Lock()
	defer self.statusLock.Unlock()

	if self.closed {
		return
	}
	self.state = state
	if state == ConnectionStateConnected {
		self.connectionCount += 1
	}
	if closeReason != "" {
		self.lastCloseReason = closeReason
	}
	self.statusMonitor.NotifyAll()
}

// connect loop. Dial, attach, serve until the connection dies, then back
// off and try again. Ends only when the client closes.
func (self *Client) run() {
	defer self.cancel()

	reconnect := NewReconnect(
		self.settings.ReconnectMinTimeout,
		self.settings.ReconnectMaxTimeout,
	)
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setConnectionState(ConnectionStateConnecting, "")
		transport, err := self.dial()
		if err != nil {
			glog.Infof("[c]connect error = %s\n", err)
			self.setConnectionState(ConnectionStateDisconnected, err.Error())
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.attach(transport)
		reconnect.Reset()

		err = self.serve(transport)
		closeReason := "client closed"
		if err != nil {
			closeReason = err.Error()
		}
		self.detach(transport, closeReason)
		transport.Close()

		var fatalErr *FatalConnectionError
		if errors.As(err, &fatalErr) {
			glog.Errorf("[c]%s\n", err)
			self.close(closeReason)
			return
		}
		if err != nil {
			glog.Infof("[c]connection ended = %s\n", err)
		}
		self.setConnectionState(ConnectionStateDisconnected, closeReason)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Client) dial() (Transport, error) {
	if self.settings.TransportDialer != nil {
		return self.settings.TransportDialer(self.ctx)
	}
	return NewWebsocketTransport(self.ctx, self.wsUrl, self.settings.WebsocketSettings)
}

// attach resets per-connection state and queues the handshake:
// `Connect`, then `Authenticate` if a token is set, then one
// `ModifyQuerySet` that resends the full wanted set.
func (self *Client) attach(transport Transport) {
	self.stateLock.Lock()

	self.conn = transport
	self.clock.Reset()
	self.querySet.ResetSent()

	connect := &Connect{
		SessionId:       self.sessionId,
		ConnectionCount: self.connectionCountForConnect(),
		LastCloseReason: self.lastCloseReasonForConnect(),
	}
	if ts, ok := self.clock.MaxObservedTimestamp(); ok {
		connect.MaxObservedTimestamp = &ts
	}
	messages := []ClientMessage{connect}

	if self.authToken != "" {
		messages = append(messages, &Authenticate{
			BaseVersion: self.clock.AdvanceIdentity(),
			Token:       self.authToken,
		})
	}

	if modify := self.querySet.Reconcile(self.clock.Current().QuerySet, self.store.Journal); modify != nil {
		self.clock.AdvanceQuerySet()
		messages = append(messages, modify)
	}

	// the send route is fresh, these cannot block
	for _, message := range messages {
		frame, err := EncodeClientMessage(message)
		if err != nil {
			glog.Errorf("[c]encode error = %s\n", err)
			continue
		}
		transport.SendRoute() <- frame
	}

	self.stateLock.Unlock()

	self.setConnectionState(ConnectionStateConnected, "")
	glog.V(1).Infof("[c]connected session=%s\n", self.sessionId)
}

func (self *Client) connectionCountForConnect() uint32 {
	self.statusLock.Lock()
	defer self.statusLock.Unlock()

	return self.connectionCount
}

func (self *Client) lastCloseReasonForConnect() string {
	self.statusLock.Lock()
	defer self.statusLock.Unlock()

	return self.lastCloseReason
}

// serve pumps inbound frames and wanted set changes until the connection
// dies. The returned error is the close reason.
func (self *Client) serve(transport Transport) error {
	for {
		select {
		case <-self.ctx.Done():
			return nil
		case <-transport.Done():
			return &ConnectionLostError{Reason: "transport closed"}
		case frame, ok := <-transport.ReceiveRoute():
			if !ok {
				return &ConnectionLostError{Reason: "transport closed"}
			}
			message, err := DecodeServerMessage(frame)
			if err != nil {
				return err
			}
			if err := self.handleServerMessage(transport, message); err != nil {
				return err
			}
		case <-self.querySet.Notify():
			self.flushQuerySet(transport)
		}
	}
}

// flushQuerySet sends one reconcile diff if there is one
func (self *Client) flushQuerySet(transport Transport) {
	self.stateLock.Lock()
	if self.conn != transport {
		self.stateLock.Unlock()
		return
	}
	modify := self.querySet.Reconcile(self.clock.Current().QuerySet, self.store.Journal)
	if modify == nil {
		self.stateLock.Unlock()
		return
	}
	self.clock.AdvanceQuerySet()
	self.stateLock.Unlock()

	frame, err := EncodeClientMessage(modify)
	if err != nil {
		glog.Errorf("[c]encode error = %s\n", err)
		return
	}
	self.sendFrame(transport, frame)
	glog.V(1).Infof("[c]query set -%d +%d\n", len(modify.Removed), len(modify.Added))
}

// detach fails everything pending on the dead connection.
// Optimistic entries for failed requests stay visible until the next
// transition sweeps them.
func (self *Client) detach(transport Transport, closeReason string) {
	self.stateLock.Lock()
	if self.conn == transport {
		self.conn = nil
	}
	self.stateLock.Unlock()

	failedRequestIds := self.mux.FailAll(&ConnectionLostError{Reason: closeReason})
	if 0 < len(failedRequestIds) {
		marked := self.queue.MarkFailed(failedRequestIds)
		glog.V(1).Infof("[c]failed %d pending, kept %d predictions\n", len(failedRequestIds), marked)
	}
}

func (self *Client) sendFrame(transport Transport, frame []byte) bool {
	select {
	case <-transport.Done():
		return false
	case transport.SendRoute() <- frame:
		return true
	case <-time.After(self.settings.SendTimeout):
		glog.Infof("[c]send timeout\n")
		transport.Close()
		return false
	}
}
