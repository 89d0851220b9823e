package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/nguyensngoc108/EmoPal-sub001/internal/config"
	"github.com/nguyensngoc108/EmoPal-sub001/internal/domain"
	"github.com/nguyensngoc108/EmoPal-sub001/pkg/logger"
)

// CloseNormal — sentinel-код намеренного закрытия; close-handler видит его
// и не планирует переподключение.
const CloseNormal = websocket.CloseNormalClosure

type FrameHandler func(frameType domain.FrameType, raw json.RawMessage)

type StatusHandler func(status domain.ConnectionStatus)

// Socket — минимальный срез *websocket.Conn, подменяемый в тестах.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Socket, error)
}

type wsDialer struct {
	handshakeTimeout time.Duration
}

func (d *wsDialer) Dial(ctx context.Context, rawURL string) (Socket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Channel держит ровно одно живое соединение для пары (target, identity):
// очередь исходящих, reconnect с экспоненциальным backoff, ping для
// прокси-посредников. Доставка наверх — at-least-once; дедупликация
// лежит уровнем выше.
type Channel struct {
	cfg     config.SocketConfig
	baseURL string
	log     logger.Logger

	dialer Dialer
	after  func(d time.Duration, f func()) *time.Timer

	mu          sync.Mutex
	sock        Socket
	status      domain.ConnectionStatus
	queue       [][]byte
	attempts    int
	lastAttempt time.Time
	closing     bool
	gaveUp      bool
	// Поколение соединения: гасит read-loop и close-handler предыдущего
	// сокета, чтобы тот не планировал ложные reconnect'ы.
	gen int

	target   string
	identity string
	ctx      context.Context

	backoff *backoff.ExponentialBackOff

	onFrame  FrameHandler
	onStatus StatusHandler
}

type Option func(*Channel)

func WithDialer(d Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// WithAfterFunc подменяет планировщик таймеров (в тестах — ручной).
func WithAfterFunc(after func(d time.Duration, f func()) *time.Timer) Option {
	return func(c *Channel) { c.after = after }
}

func NewChannel(cfg config.SocketConfig, baseURL string, log logger.Logger, opts ...Option) *Channel {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectDelay
	bo.MaxInterval = cfg.MaxReconnectDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	c := &Channel{
		cfg:     cfg,
		baseURL: baseURL,
		log:     log,
		dialer:  &wsDialer{handshakeTimeout: cfg.HandshakeTimeout},
		after:   time.AfterFunc,
		status:  domain.StatusDisconnected,
		backoff: bo,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) OnFrame(h FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = h
}

func (c *Channel) OnStatus(h StatusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = h
}

// Open подключает канал к target от имени identity. Пустой target или
// identity — это precondition, а не ошибка: возвращаем no-op.
func (c *Channel) Open(ctx context.Context, target, identity string) error {
	if target == "" || identity == "" {
		c.log.Debug("channel open deferred: missing target or identity",
			"target", target, "identity", identity)
		return nil
	}

	c.mu.Lock()
	// Канал держит один сокет: при повторном Open старый закрывается,
	// его read-loop гаснет на ошибке чтения и глушится по gen
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	c.target = target
	c.identity = identity
	c.ctx = ctx
	c.closing = false
	c.gaveUp = false
	c.gen++
	gen := c.gen
	c.setStatusLocked(domain.StatusConnecting)
	c.mu.Unlock()

	go c.connect(gen)
	return nil
}

// Send отправляет кадр или ставит его в очередь. Сообщение никогда не
// теряется молча: закрытый канал получает его в очередь и инициирует
// переподключение.
func (c *Channel) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	if c.status == domain.StatusConnected && c.sock != nil {
		sock := c.sock
		gen := c.gen
		err := sock.WriteMessage(websocket.TextMessage, data)
		if err == nil {
			c.mu.Unlock()
			return nil
		}
		// Записать не вышло — в очередь, соединение считаем потерянным
		c.log.Warn("write failed, queueing message", "error", err)
		c.queue = append(c.queue, data)
		c.mu.Unlock()
		c.handleDisconnect(gen, websocket.CloseAbnormalClosure)
		return nil
	}

	c.queue = append(c.queue, data)
	needReconnect := c.status == domain.StatusDisconnected || c.status == domain.StatusError
	needReconnect = needReconnect && !c.closing && !c.gaveUp && c.target != ""
	if needReconnect {
		c.gen++
		gen := c.gen
		c.setStatusLocked(domain.StatusConnecting)
		c.mu.Unlock()
		go c.connect(gen)
		return nil
	}
	c.mu.Unlock()
	return nil
}

// Close закрывает канал намеренно. Код CloseNormal (1000) подавляет
// auto-reconnect, любой другой оставляет его возможным.
func (c *Channel) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if code == CloseNormal {
		c.closing = true
	}
	c.gen++

	if c.sock != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.sock.WriteMessage(websocket.CloseMessage, msg)
		_ = c.sock.Close()
		c.sock = nil
	}
	c.setStatusLocked(domain.StatusDisconnected)
}

func (c *Channel) Status() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Channel) endpoint() string {
	return fmt.Sprintf("%s/%s?user_id=%s", c.baseURL, c.target, url.QueryEscape(c.identity))
}

func (c *Channel) connect(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.closing {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	rawURL := c.endpoint()
	target := c.target
	c.lastAttempt = time.Now()
	c.mu.Unlock()

	sock, err := c.dialer.Dial(ctx, rawURL)

	c.mu.Lock()
	if gen != c.gen || c.closing {
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	if err != nil {
		// Ошибки подключения не пробрасываются выше: статус + self-scheduled retry
		c.log.Warn("channel dial failed", "url", rawURL, "error", err)
		c.setStatusLocked(domain.StatusError)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.sock = sock
	c.attempts = 0
	c.backoff.Reset()
	c.setStatusLocked(domain.StatusConnected)

	// Очередь уходит FIFO до любых новых отправок
	pending := c.queue
	c.queue = nil
	for i, data := range pending {
		if werr := sock.WriteMessage(websocket.TextMessage, data); werr != nil {
			c.log.Warn("flush failed, requeueing", "remaining", len(pending)-i)
			c.queue = append(pending[i:], c.queue...)
			break
		}
	}
	c.mu.Unlock()

	c.log.Info("channel connected", "target", target)
	go c.readLoop(gen, sock)
	go c.pingLoop(gen, sock)
}

func (c *Channel) readLoop(gen int, sock Socket) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			c.handleDisconnect(gen, code)
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	frameType, raw, err := domain.DecodeFrame(data)
	if err != nil {
		// Битый кадр отбрасываем, канал живет дальше
		c.log.Warn("dropping malformed frame", "error", err)
		return
	}

	c.mu.Lock()
	handler := c.onFrame
	c.mu.Unlock()
	if handler != nil {
		handler(frameType, raw)
	}
}

func (c *Channel) pingLoop(gen int, sock Socket) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(domain.NewPingFrame())
	for range ticker.C {
		c.mu.Lock()
		stale := gen != c.gen || c.sock == nil
		c.mu.Unlock()
		if stale {
			return
		}
		// Ping держит прокси от idle-таймаута; pong не отслеживаем
		if err := sock.WriteMessage(websocket.TextMessage, ping); err != nil {
			return
		}
	}
}

func (c *Channel) handleDisconnect(gen int, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		// Закрылся сокет предыдущего поколения — игнорируем
		return
	}
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}

	if c.closing || code == CloseNormal {
		c.setStatusLocked(domain.StatusDisconnected)
		return
	}

	c.log.Warn("channel closed abnormally", "code", code)
	c.setStatusLocked(domain.StatusError)
	c.scheduleReconnectLocked()
}

func (c *Channel) scheduleReconnectLocked() {
	c.attempts++
	if c.attempts > c.cfg.MaxReconnectAttempts {
		// Бюджет исчерпан: больше не пытаемся, наружу остается StatusError
		c.gaveUp = true
		c.log.Error("reconnect attempts exhausted", "attempts", c.attempts-1)
		return
	}

	delay := c.backoff.NextBackOff()
	c.gen++
	gen := c.gen
	c.setStatusLocked(domain.StatusConnecting)
	c.log.Info("scheduling reconnect", "attempt", c.attempts, "delay", delay)
	c.after(delay, func() {
		c.connect(gen)
	})
}

func (c *Channel) setStatusLocked(status domain.ConnectionStatus) {
	if c.status == status {
		return
	}
	c.status = status
	if c.onStatus != nil {
		handler := c.onStatus
		go handler(status)
	}
}
