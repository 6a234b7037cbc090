package signal

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Options tune the websocket side of a connection.
type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int

	// AllowedOrigins lists extra browser origins, besides the server's
	// own host, that may open a socket.
	AllowedOrigins []string
}

func (o *Options) applyDefaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32 << 10
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Connects *app.FixedWindowLimiter

	opts     Options
	upgrader websocket.Upgrader
}

// NewSignalWSController builds the websocket endpoint. connects may be nil
// to accept every connection attempt.
func NewSignalWSController(o *orch.Orchestrator, connects *app.FixedWindowLimiter, opts Options) *SignalWSController {
	opts.applyDefaults()
	ctl := &SignalWSController{
		Orch:     o,
		Connects: connects,
		opts:     opts,
	}
	ctl.upgrader = websocket.Upgrader{CheckOrigin: ctl.checkOrigin}
	return ctl
}

// checkOrigin admits same-host pages and configured origins. Requests
// without an Origin header do not come from a browser page.
func (ctl *SignalWSController) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range ctl.opts.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	log.Warn().Str("module", "signal").Str("origin", origin).Msg("rejected cross-origin websocket")
	return false
}

// WsSignalConn implements core.SignalConnection over a gorilla websocket.
// Only writePump writes to conn after the handshake.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

type connectionRejected struct {
	Type       string `json:"type"`
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retryAfter"`
}

// HandleSignal upgrades the request and runs the connection until either
// side goes away. A cookie session user set by the router resumes login.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ip := c.ClientIP()
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("ip", ip).Msg("ws upgrade")
		return
	}

	if ctl.Connects != nil {
		if ok, retry := ctl.Connects.Allow(ip); !ok {
			ctl.reject(ws, ip, retry)
			return
		}
	}

	id := core.ConnID(uuid.NewString())
	log.Info().Str("module", "signal").Str("conn", string(id)).Str("ip", ip).Str("client", c.GetString("client_token")).Msg("new WS connection")

	ws.SetReadLimit(ctl.opts.ReadLimit)
	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(id, conn, cancel)
	if username := c.GetString("session_user"); username != "" {
		ctl.Orch.ResumeSession(ctx, id, username)
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, id, conn)
}

// reject tells the client why and closes the socket with a policy
// violation. The attempt still counts against the window.
func (ctl *SignalWSController) reject(ws *websocket.Conn, ip string, retry time.Duration) {
	log.Warn().Str("module", "signal").Str("ip", ip).Dur("retry", retry).Msg("connection rate limited")
	defer ws.Close()

	deadline := time.Now().Add(writeWait)
	_ = ws.SetWriteDeadline(deadline)
	if b, err := json.Marshal(connectionRejected{
		Type:       "connection_rejected",
		Reason:     "too many connection attempts",
		RetryAfter: int(math.Ceil(retry.Seconds())),
	}); err == nil {
		_ = ws.WriteMessage(websocket.TextMessage, b)
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limited")
	_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
}
