package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	ftworker "github.com/finetune-build/Worker"
)

// State represents the channel connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// CommandHandler receives control-plane commands delivered over the
// channel. Handlers run on the read loop goroutine and should return
// quickly, pushing real work elsewhere.
type CommandHandler interface {
	// HandleAssign receives a job assignment.
	HandleAssign(ctx context.Context, assign JobAssign) error

	// HandleCancel receives a cancellation request.
	HandleCancel(ctx context.Context, req CancelRequest) error

	// HandleClose receives a server-initiated shutdown request.
	HandleClose(ctx context.Context)
}

// DialFunc opens the underlying connection. The default dials a WebSocket
// with gobwas/ws; tests substitute a pipe.
type DialFunc func(ctx context.Context, url string, header http.Header) (net.Conn, error)

func defaultDial(ctx context.Context, url string, header http.Header) (net.Conn, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(header),
	}
	conn, _, _, err := dialer.Dial(ctx, url)
	return conn, err
}

// Channel maintains the worker's connection to the control plane: dial,
// session handshake, heartbeats, reconnection with doubling backoff, and
// replay of unacknowledged frames after a reconnect.
type Channel struct {
	url      string
	workerID string
	token    string
	handler  CommandHandler
	session  *Session
	logger   *slog.Logger
	dial     DialFunc

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	reconnectBackoff  time.Duration
	maxReconnect      time.Duration
	connectRetries    int

	mu        sync.RWMutex
	state     State
	conn      net.Conn
	codec     Codec
	sessionID string
	lastSeen  time.Time
	err       error

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	quit   chan struct{}
	closed bool
}

// Option configures the Channel.
type Option func(*Channel)

// WithHeartbeat sets the heartbeat send interval and the peer silence
// threshold that forces a reconnect.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Channel) {
		c.heartbeatInterval = interval
		c.heartbeatTimeout = timeout
	}
}

// WithReconnectBackoff sets the initial and maximum reconnect delay. The
// delay doubles after each failed attempt up to the maximum.
func WithReconnectBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Channel) {
		c.reconnectBackoff = initial
		c.maxReconnect = maxDelay
	}
}

// WithConnectRetries caps consecutive failed reconnect attempts before the
// channel gives up and reports a terminal error.
func WithConnectRetries(n int) Option {
	return func(c *Channel) {
		c.connectRetries = n
	}
}

// WithFormat requests a frame encoding during the hello handshake.
func WithFormat(name string) Option {
	return func(c *Channel) {
		c.codec = GetCodec(name)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// WithDialFunc overrides the dialer, for tests.
func WithDialFunc(dial DialFunc) Option {
	return func(c *Channel) {
		c.dial = dial
	}
}

// NewChannel creates a channel to the given WebSocket URL. Connect must be
// called before frames flow.
func NewChannel(url, workerID, token string, handler CommandHandler, opts ...Option) *Channel {
	c := &Channel{
		url:               url,
		workerID:          workerID,
		token:             token,
		handler:           handler,
		session:           NewSession(),
		logger:            slog.Default(),
		dial:              defaultDial,
		codec:             &JSONCodec{},
		heartbeatInterval: 15 * time.Second,
		heartbeatTimeout:  45 * time.Second,
		reconnectBackoff:  2 * time.Second,
		maxReconnect:      60 * time.Second,
		connectRetries:    5,
		state:             StateDisconnected,
		done:              make(chan struct{}),
		quit:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SessionID returns the server-assigned session ID, empty before the first
// successful handshake.
func (c *Channel) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Done is closed when the channel stops for good, either via Close or
// after exhausting reconnect attempts. Check Err afterwards.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, if any.
func (c *Channel) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Connect dials the control plane and starts the heartbeat and health
// loops. It fails if the initial handshake cannot be completed within the
// configured retry budget.
func (c *Channel) Connect(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	backoff := c.reconnectBackoff
	var lastErr error
	for attempt := 0; attempt < c.connectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				cancel()
				return ctx.Err()
			}
			backoff = min(backoff*2, c.maxReconnect)
		}
		if lastErr = c.connect(ctx); lastErr == nil {
			break
		}
		c.logger.Warn("channel connect failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()),
		)
	}
	if lastErr != nil {
		cancel()
		return fmt.Errorf("ftworker/realtime: connect: %w", lastErr)
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(loopCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.healthCheckLoop(loopCtx)
	}()
	return nil
}

// connect performs one dial + handshake and, on success, starts a read
// loop for the new connection.
func (c *Channel) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	header := http.Header{}
	header.Set("Authorization", "Worker "+c.token)
	header.Set("X-Worker-ID", c.workerID)

	conn, err := c.dial(ctx, c.url, header)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	// The handshake is always JSON; the negotiated codec applies from
	// hello_ack onward.
	hello, err := NewFrame(FrameHello, Hello{
		WorkerID: c.workerID,
		Format:   c.codec.Name(),
		LastSeq:  c.session.LastDelivered(),
	})
	if err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return err
	}
	if err := writeFrame(conn, &JSONCodec{}, hello); err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("hello write: %w", err)
	}

	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("hello_ack read: %w", err)
	}
	ackFrame, err := (&JSONCodec{}).Decode(data)
	if err != nil || ackFrame.Type != FrameHelloAck {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("hello_ack parse: %w", ftworker.ErrChannelClosed)
	}

	var ack HelloAck
	if err := json.Unmarshal(ackFrame.Payload, &ack); err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("hello_ack payload: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.codec = GetCodec(ack.Format)
	c.sessionID = ack.SessionID
	c.state = StateConnected
	c.lastSeen = time.Now().UTC()
	c.mu.Unlock()

	// The server tells us what it already has; everything newer goes out
	// again. Duplicates are suppressed on the server by sequence number.
	c.session.AckThrough(ack.LastSeq)
	for _, f := range c.session.Unacked() {
		if err := c.writeLocked(f); err != nil {
			c.logger.Warn("replay write failed", "seq", f.Seq, "error", err.Error())
			break
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(conn)
	}()

	c.logger.Info("channel connected",
		slog.String("session", ack.SessionID),
		slog.String("format", c.codec.Name()),
		slog.Uint64("resume_from", ack.LastSeq),
	)
	return nil
}

// Send transmits a frame. Sequenced frames are stamped and retained; when
// the channel is offline they are buffered and go out with the replay
// after the next reconnect. Unsequenced frames on an offline channel fail
// with ErrNotConnected.
func (c *Channel) Send(f *Frame) error {
	c.session.Stamp(f)

	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	if state != StateConnected {
		if f.Type.Sequenced() {
			return nil
		}
		return ftworker.ErrNotConnected
	}
	return c.writeLocked(f)
}

// SendStatus reports a job state change.
func (c *Channel) SendStatus(status JobStatus) error {
	f, err := NewFrame(FrameJobStatus, status)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// SendLog streams a job log line.
func (c *Channel) SendLog(entry LogEntry) error {
	f, err := NewFrame(FrameLog, entry)
	if err != nil {
		return err
	}
	return c.Send(f)
}

func (c *Channel) writeLocked(f *Frame) error {
	c.mu.RLock()
	conn := c.conn
	codec := c.codec
	c.mu.RUnlock()

	if conn == nil {
		return ftworker.ErrNotConnected
	}
	return writeFrame(conn, codec, f)
}

func writeFrame(conn net.Conn, codec Codec, f *Frame) error {
	data, err := codec.Encode(f)
	if err != nil {
		return err
	}
	op := ws.OpText
	if codec.Name() == CodecNameMsgpack {
		op = ws.OpBinary
	}
	return wsutil.WriteClientMessage(conn, op, data)
}

func (c *Channel) readLoop(conn net.Conn) {
	ctx := context.Background()
	for {
		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			c.mu.Lock()
			stale := c.conn != conn
			closed := c.closed
			if !stale && !closed {
				c.conn = nil
				c.state = StateReconnecting
			}
			c.mu.Unlock()
			if stale || closed {
				return
			}

			c.logger.Warn("channel read error", slog.String("error", err.Error()))
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.reconnectLoop()
			}()
			return
		}

		c.mu.RLock()
		codec := c.codec
		c.mu.RUnlock()

		frame, err := codec.Decode(data)
		if err != nil {
			// Malformed frames are logged and dropped, never fatal.
			c.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}

		c.mu.Lock()
		c.lastSeen = time.Now().UTC()
		c.mu.Unlock()

		if frame.Ack > 0 {
			c.session.AckThrough(frame.Ack)
		}

		c.route(ctx, frame)
	}
}

func (c *Channel) route(ctx context.Context, frame *Frame) {
	switch frame.Type {
	case FrameJobAssign:
		if !c.session.Accept(frame) {
			c.ack()
			return
		}
		var assign JobAssign
		if err := json.Unmarshal(frame.Payload, &assign); err != nil {
			c.logger.Warn("dropping malformed job_assign", slog.String("error", err.Error()))
			return
		}
		if err := c.handler.HandleAssign(ctx, assign); err != nil {
			c.logger.Error("job assignment rejected",
				slog.String("job_id", assign.JobID),
				slog.String("error", err.Error()),
			)
		}
		c.ack()

	case FrameCancel:
		if !c.session.Accept(frame) {
			c.ack()
			return
		}
		var req CancelRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			c.logger.Warn("dropping malformed cancel", slog.String("error", err.Error()))
			return
		}
		if err := c.handler.HandleCancel(ctx, req); err != nil {
			c.logger.Warn("cancel failed",
				slog.String("job_id", req.JobID),
				slog.String("error", err.Error()),
			)
		}
		c.ack()

	case FrameHeartbeat, FrameAck, FrameHelloAck:
		// Ack cursor already applied; nothing else to do.

	case FrameClose:
		c.logger.Info("server requested shutdown")
		c.handler.HandleClose(ctx)

	default:
		c.logger.Warn("dropping frame of unknown type", slog.String("type", string(frame.Type)))
	}
}

// ack reports the inbound delivery cursor to the server.
func (c *Channel) ack() {
	if err := c.writeLocked(NewAckFrame(c.session.LastDelivered())); err != nil {
		c.logger.Warn("ack write failed", slog.String("error", err.Error()))
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				continue
			}
			if err := c.writeLocked(NewHeartbeatFrame(c.session.LastDelivered())); err != nil {
				c.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Channel) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			silent := c.state == StateConnected && time.Since(c.lastSeen) > c.heartbeatTimeout
			var conn net.Conn
			if silent {
				conn = c.conn
				c.conn = nil
				c.state = StateReconnecting
			}
			c.mu.Unlock()

			if silent {
				c.logger.Warn("peer heartbeat timed out, reconnecting")
				if conn != nil {
					conn.Close()
				}
				c.wg.Add(1)
				go func() {
					defer c.wg.Done()
					c.reconnectLoop()
				}()
			}
		}
	}
}

func (c *Channel) reconnectLoop() {
	backoff := c.reconnectBackoff
	for attempt := 1; ; attempt++ {
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}

		c.logger.Info("channel reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-time.After(backoff):
		case <-c.quit:
			return
		}

		if err := c.connect(context.Background()); err == nil {
			return
		}
		if attempt >= c.connectRetries {
			c.fail(fmt.Errorf("%w: reconnect attempts exhausted", ftworker.ErrChannelClosed))
			return
		}
		backoff = min(backoff*2, c.maxReconnect)
	}
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	alreadyClosed := c.closed
	if !alreadyClosed {
		c.closed = true
		c.err = err
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	if alreadyClosed {
		return
	}
	close(c.quit)
	if c.cancel != nil {
		c.cancel()
	}
	close(c.done)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Close shuts the channel down. Buffered unacked frames are discarded;
// durable state lives in the job store, not the channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	close(c.quit)
	if c.cancel != nil {
		c.cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	close(c.done)
	return nil
}
