// Package websocket keeps a push channel open to the server. Commands pushed
// over it are ingested immediately instead of waiting for the next poll.
package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/opsagent/internal/command"
	"github.com/breeze-rmm/opsagent/internal/health"
	"github.com/breeze-rmm/opsagent/internal/logging"
)

var log = logging.L("websocket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

var ErrStopped = errors.New("websocket client is stopped")

// Ack statuses sent back for every pushed command.
const (
	AckQueued   = "queued"
	AckIgnored  = "ignored"
	AckRejected = "rejected"
)

type Config struct {
	ServerURL string
	AgentID   string
	AuthToken string
}

// Ingester is the scheduler side of the push channel.
type Ingester interface {
	Ingest(raw []json.RawMessage) int
	Wake()
}

// Ack acknowledges a pushed command.
type Ack struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// envelope covers the three push shapes the server uses: a bare command, a
// {"type":"command","command":{...}} wrapper and a batch under "commands".
type envelope struct {
	Type     string            `json:"type"`
	ID       json.RawMessage   `json:"id"`
	Command  json.RawMessage   `json:"command"`
	Commands []json.RawMessage `json:"commands"`
}

type Client struct {
	config   *Config
	ingester Ingester
	health   *health.Monitor
	dialer   websocket.Dialer

	conn     *websocket.Conn
	connMu   sync.RWMutex
	done     chan struct{}
	sendChan chan []byte
	stopOnce sync.Once

	runningMu sync.RWMutex
	isRunning bool
}

// New creates a client. hm may be nil.
func New(cfg *Config, ing Ingester, hm *health.Monitor) *Client {
	return &Client{
		config:   cfg,
		ingester: ing,
		health:   hm,
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		done:     make(chan struct{}),
		sendChan: make(chan []byte, 256),
	}
}

// Start connects and keeps reconnecting with jittered backoff until Stop. It
// blocks.
func (c *Client) Start() {
	c.runningMu.Lock()
	if c.isRunning {
		c.runningMu.Unlock()
		return
	}
	c.isRunning = true
	c.runningMu.Unlock()

	c.reconnectLoop()
}

func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.runningMu.Lock()
		c.isRunning = false
		c.runningMu.Unlock()

		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		log.Info("client stopped")
	})
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

func (c *Client) connect() error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}

	header := http.Header{}
	if c.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}
	conn, _, err := c.dialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.config.ServerURL, err)
	}

	conn.SetReadLimit(maxMessageSize)
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	log.Info("connected", "server", c.config.ServerURL, "agentId", c.config.AgentID)
	c.setHealth(health.Healthy, "")
	return nil
}

func (c *Client) buildWSURL() (string, error) {
	u, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	base := strings.TrimRight(u.Path, "/")
	rawBase := strings.TrimRight(u.EscapedPath(), "/")
	if c.config.AgentID != "" {
		// RawPath keeps a "/" inside the id from becoming a separator.
		u.Path = fmt.Sprintf("%s/api/v1/agents/%s/ws", base, c.config.AgentID)
		u.RawPath = fmt.Sprintf("%s/api/v1/agents/%s/ws", rawBase, url.PathEscape(c.config.AgentID))
	} else {
		u.Path = base + "/api/v1/agents/ws"
		u.RawPath = ""
	}
	return u.String(), nil
}

func (c *Client) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.connect(); err != nil {
			c.setHealth(health.Degraded, err.Error())

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}
			log.Warn("connection failed, retrying", "error", err.Error(), "delay", sleep.String())

			select {
			case <-c.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff

		pumpDone := make(chan struct{})
		go c.writePump(pumpDone)
		c.readPump()
		close(pumpDone)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		c.runningMu.RLock()
		running := c.isRunning
		c.runningMu.RUnlock()
		if !running {
			return
		}
		c.setHealth(health.Degraded, "connection lost")
	}
}

func (c *Client) readPump() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", "error", err.Error())
			}
			return
		}
		c.handleMessage(message)
	}
}

// handleMessage ingests every command in message and acks each one.
// Messages that carry no command (acks, heartbeats, errors) are ignored.
func (c *Client) handleMessage(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		log.Warn("failed to parse push message", "error", err.Error())
		return
	}

	var items []json.RawMessage
	switch {
	case len(env.Commands) > 0:
		items = env.Commands
	case len(env.Command) > 0 && string(env.Command) != "null":
		items = []json.RawMessage{env.Command}
	case len(env.ID) > 0 && string(env.ID) != "null":
		items = []json.RawMessage{json.RawMessage(message)}
	default:
		return
	}

	queued := 0
	for _, item := range items {
		ack := c.ingestOne(item)
		if ack.Status == AckQueued {
			queued++
		}
		if err := c.send(ack); err != nil {
			log.Warn("failed to send ack", "commandId", ack.CommandID, "error", err.Error())
		}
	}
	if queued > 0 {
		c.ingester.Wake()
	}
}

func (c *Client) ingestOne(item json.RawMessage) Ack {
	cmd, err := command.Parse(item)
	if err != nil {
		return Ack{Type: "command_ack", Status: AckRejected, Error: err.Error()}
	}
	ack := Ack{Type: "command_ack", CommandID: cmd.ID, Status: AckIgnored}
	if c.ingester.Ingest([]json.RawMessage{item}) == 1 {
		ack.Status = AckQueued
		log.Info("pushed command queued", "commandId", cmd.ID, "commandType", string(cmd.Type))
	}
	return ack
}

func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case message := <-c.sendChan:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", "error", err.Error())
				return
			}

		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return ErrStopped
	default:
		return fmt.Errorf("send channel is full")
	}
}

func (c *Client) setHealth(st health.Status, msg string) {
	if c.health != nil {
		c.health.Update(health.ComponentWebSocket, st, msg)
	}
}
