package connect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/idna"

	"github.com/golang/glog"
)

// a duplex message channel. `Read` is called from a single goroutine.
// `Write` may be called concurrently with `Read` and `Close`.
type Transport interface {
	Write(b []byte) error
	Read() ([]byte, error)
	Close() error
}

// (ctx, address, header)
type DialFunction func(ctx context.Context, address string, header http.Header) (Transport, error)

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// zero means no read deadline. the heartbeat is advisory and does not close idle connections.
	ReadTimeout  time.Duration
	ReadLimit    int64
	CloseTimeout time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 10 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        0,
		ReadLimit:          16 * 1024 * 1024,
		CloseTimeout:       1 * time.Second,
	}
}

func NewWsDialerWithDefaults() DialFunction {
	return NewWsDialer(DefaultWsTransportSettings())
}

func NewWsDialer(settings *WsTransportSettings) DialFunction {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	return func(ctx context.Context, address string, header http.Header) (Transport, error) {
		address, err := NormalizeAddress(address)
		if err != nil {
			return nil, err
		}
		ws, _, err := dialer.DialContext(ctx, address, header)
		if err != nil {
			return nil, err
		}
		return NewWsTransport(ws, settings), nil
	}
}

// checks the server url and converts an internationalized host to its ascii form
func NormalizeAddress(address string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(address))
	if err != nil {
		return "", fmt.Errorf("Bad address %q: %w", address, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("Bad address %q: scheme must be ws or wss", address)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("Bad address %q: missing host", address)
	}
	if net.ParseIP(host) != nil {
		return u.String(), nil
	}
	asciiHost, err := punycode(host)
	if err != nil {
		return "", fmt.Errorf("Bad address %q: %w", address, err)
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(asciiHost, port)
	} else {
		u.Host = asciiHost
	}
	return u.String(), nil
}

func punycode(domain string) (string, error) {
	return idna.New(
		idna.MapForLookup(),
		idna.Transitional(true),
		idna.StrictDomainName(false),
	).ToASCII(domain)
}

type wsTransport struct {
	ws       *websocket.Conn
	settings *WsTransportSettings

	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewWsTransport(ws *websocket.Conn, settings *WsTransportSettings) Transport {
	if 0 < settings.ReadLimit {
		ws.SetReadLimit(settings.ReadLimit)
	}
	return &wsTransport{
		ws:       ws,
		settings: settings,
	}
}

func (self *wsTransport) Write(b []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	if 0 < self.settings.WriteTimeout {
		self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	}
	// note that for websocket a deadline timeout cannot be recovered
	return self.ws.WriteMessage(websocket.TextMessage, b)
}

func (self *wsTransport) Read() ([]byte, error) {
	for {
		if 0 < self.settings.ReadTimeout {
			self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// keepalive
				continue
			}
			return message, nil
		default:
			glog.V(LogLevelTrace).Infof("[t]other=%d<-\n", messageType)
		}
	}
}

func (self *wsTransport) Close() error {
	self.closeOnce.Do(func() {
		closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// best effort. the peer may already be gone.
		self.ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(self.settings.CloseTimeout))
		self.closeErr = self.ws.Close()
	})
	return self.closeErr
}

// true if the close was initiated cleanly by either side
func IsCleanClose(err error) bool {
	if err == nil {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return false
}
