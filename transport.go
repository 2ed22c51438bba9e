package tide

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// A Route moves frames in one direction
type Route = chan []byte

// One framed, ordered, bidirectional message channel to the server.
// The receive route closes when the transport dies. Frames pushed to the
// send route after death are dropped.
type Transport interface {
	SendRoute() Route
	ReceiveRoute() Route
	Done() <-chan struct{}
	Close()
}

// (ctx)
type TransportDialer func(ctx context.Context) (Transport, error)

type WebsocketTransportSettings struct {
	WsHandshakeTimeout  time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	TransportBufferSize int
}

func DefaultWebsocketTransportSettings() *WebsocketTransportSettings {
	return &WebsocketTransportSettings{
		WsHandshakeTimeout:  5 * time.Second,
		PingTimeout:         10 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         45 * time.Second,
		TransportBufferSize: 32,
	}
}

// SyncUrl converts a deployment url to the websocket sync endpoint url
func SyncUrl(deploymentUrl string) (string, error) {
	u, err := url.Parse(deploymentUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported deployment url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/sync"
	return u.String(), nil
}

// Frames are utf8 json texts. An empty text is a keepalive ping and is
// never surfaced.
type WebsocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws *websocket.Conn

	send    Route
	receive Route

	settings *WebsocketTransportSettings
}

func NewWebsocketTransportWithDefaults(ctx context.Context, wsUrl string) (*WebsocketTransport, error) {
	return NewWebsocketTransport(ctx, wsUrl, DefaultWebsocketTransportSettings())
}

func NewWebsocketTransport(ctx context.Context, wsUrl string, settings *WebsocketTransportSettings) (*WebsocketTransport, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, wsUrl, nil)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WebsocketTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		send:     make(Route, settings.TransportBufferSize),
		receive:  make(Route, settings.TransportBufferSize),
		settings: settings,
	}
	go transport.writePump()
	go transport.readPump()
	go func() {
		// unblock a pending read when canceled from outside
		<-cancelCtx.Done()
		ws.Close()
	}()
	return transport, nil
}

func (self *WebsocketTransport) writePump() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-self.send:
			if !ok {
				return
			}

			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[ts]-> error = %s\n", err)
				return
			}
			glog.V(2).Infof("[ts]->\n")
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *WebsocketTransport) readPump() {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("[tr]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[tr]ping<-\n")
				continue
			}

			select {
			case <-self.ctx.Done():
				return
			case self.receive <- message:
				glog.V(2).Infof("[tr]<-\n")
			case <-time.After(self.settings.ReadTimeout):
				// the consumer stalled. Frames are ordered so dropping one
				// would desync; end the connection instead.
				glog.Infof("[tr]stalled consumer, closing\n")
				return
			}
		default:
			glog.V(2).Infof("[tr]other=%d<-\n", messageType)
		}
	}
}

func (self *WebsocketTransport) SendRoute() Route {
	return self.send
}

func (self *WebsocketTransport) ReceiveRoute() Route {
	return self.receive
}

func (self *WebsocketTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *WebsocketTransport) Close() {
	self.cancel()
}

// An in-memory transport pair for tests and embedded servers.
// Frames written to one side's send route arrive on the other side's
// receive route. Closing either side ends both.
type PipeTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	send    Route
	receive Route
}

func NewPipeTransport(ctx context.Context) (*PipeTransport, *PipeTransport) {
	cancelCtx, cancel := context.WithCancel(ctx)
	aToB := make(Route, 32)
	bToA := make(Route, 32)
	a := &PipeTransport{
		ctx:     cancelCtx,
		cancel:  cancel,
		send:    aToB,
		receive: bToA,
	}
	b := &PipeTransport{
		ctx:     cancelCtx,
		cancel:  cancel,
		send:    bToA,
		receive: aToB,
	}
	return a, b
}

func (self *PipeTransport) SendRoute() Route {
	return self.send
}

func (self *PipeTransport) ReceiveRoute() Route {
	return self.receive
}

func (self *PipeTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *PipeTransport) Close() {
	self.cancel()
}
