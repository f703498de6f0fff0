// Package statechannel provides the settlement adapter for generic state
// channels. The counterparty is reached over a WebSocket session and proofs
// are ed25519 co-signed channel state updates.
package statechannel

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/attest"
)

var (
	_ adapter.Adapter       = (*Adapter)(nil)
	_ adapter.HealthChecker = (*Adapter)(nil)
)

const writeWait = 10 * time.Second

type Config struct {
	adapter.Config `yaml:",inline"`

	// URL of the counterparty's WebSocket endpoint.
	URL string `yaml:"url"`

	// AuthToken is sent as a bearer token on the handshake.
	AuthToken string `yaml:"auth_token"`

	ChannelID string `yaml:"channel_id"`

	// SignerKey is the base58 ed25519 key co-signing state updates.
	SignerKey string `yaml:"signer_key"`

	PingInterval time.Duration `yaml:"ping_interval"`

	// PongWait is how long the session stays healthy without a pong.
	PongWait time.Duration `yaml:"pong_wait"`
}

func DefaultConfig() Config {
	return Config{
		Config:       adapter.Config{ProofTTL: adapter.DefaultProofTTL},
		PingInterval: 54 * time.Second,
		PongWait:     60 * time.Second,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("%w: state_channel url is required", adapter.ErrConfiguration)
	case !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://"):
		return fmt.Errorf("%w: state_channel url %q is not ws(s)", adapter.ErrConfiguration, c.URL)
	case c.ChannelID == "":
		return fmt.Errorf("%w: state_channel channel_id is required", adapter.ErrConfiguration)
	case c.SignerKey == "":
		return fmt.Errorf("%w: state_channel signer_key is required", adapter.ErrConfiguration)
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = (c.PongWait * 9) / 10
	}
	return nil
}

type Adapter struct {
	*adapter.Core

	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	session *session
}

func New(cfg Config, deps adapter.Deps) *Adapter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		Core:   adapter.NewCore(adapter.KindStateChannel, deps),
		cfg:    cfg,
		logger: logger.With("component", "statechannel-adapter"),
	}
}

func (a *Adapter) Kind() adapter.Kind { return adapter.KindStateChannel }

func (a *Adapter) Initialize(ctx context.Context) error {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	signer, err := attest.NewEd25519(cfg.SignerKey)
	if err != nil {
		return fmt.Errorf("%w: signer_key: %v", adapter.ErrConfiguration, err)
	}
	if err := a.Core.Configure(cfg.Config, signer, &channelState{channelID: cfg.ChannelID}); err != nil {
		return err
	}

	a.mu.Lock()
	old := a.session
	a.session = nil
	a.cfg = cfg
	a.mu.Unlock()
	if old != nil {
		old.close()
	}

	a.logger.Info("state channel adapter initialized", "channel_id", cfg.ChannelID, "signer", signer.Identity())
	return nil
}

func (a *Adapter) Connect(ctx context.Context) error {
	if a.Attestor() == nil {
		return fmt.Errorf("%w: state_channel", adapter.ErrNotInitialized)
	}

	header := http.Header{}
	if a.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+a.cfg.AuthToken)
	}
	dialer := websocket.Dialer{HandshakeTimeout: writeWait}
	conn, resp, err := dialer.DialContext(ctx, a.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: dial counterparty: %v (status %s)", adapter.ErrConnection, err, resp.Status)
		}
		return fmt.Errorf("%w: dial counterparty: %v", adapter.ErrConnection, err)
	}

	s := newSession(conn, a.cfg.PingInterval, a.cfg.PongWait, a.logger)

	a.mu.Lock()
	old := a.session
	a.session = s
	a.mu.Unlock()
	if old != nil {
		old.close()
	}

	a.logger.Info("connected to counterparty", "url", a.cfg.URL)
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()
	if s != nil {
		s.close()
	}
	return nil
}

// Health fails once the session dropped or the counterparty stopped
// answering pings.
func (a *Adapter) Health(context.Context) error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%w: state channel not connected", adapter.ErrConnection)
	}
	return s.healthy()
}

// session keeps a WebSocket alive with pings and watches for pongs.
type session struct {
	conn     *websocket.Conn
	pongWait time.Duration
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	writeMu   sync.Mutex
	lastPong  atomic.Int64
}

func newSession(conn *websocket.Conn, pingInterval, pongWait time.Duration, logger *slog.Logger) *session {
	s := &session{
		conn:     conn,
		pongWait: pongWait,
		logger:   logger,
		done:     make(chan struct{}),
	}
	s.lastPong.Store(time.Now().UnixNano())

	s.wg.Add(2)
	go s.readPump()
	go s.pingPump(pingInterval)
	return s
}

func (s *session) readPump() {
	defer s.wg.Done()
	defer s.shutdown()

	s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixNano())
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("counterparty session closed", "error", err)
			}
			return
		}
	}
}

func (s *session) pingPump(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				s.shutdown()
				return
			}
		}
	}
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *session) close() {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	s.writeMu.Unlock()
	s.shutdown()
	s.wg.Wait()
}

func (s *session) healthy() error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: counterparty session closed", adapter.ErrConnection)
	default:
	}
	if since := time.Since(time.Unix(0, s.lastPong.Load())); since > s.pongWait {
		return fmt.Errorf("%w: no pong for %s", adapter.ErrConnection, since.Round(time.Millisecond))
	}
	return nil
}

// channelState commits a proof to the next channel state version. The
// payload is channel_id || version.
type channelState struct {
	channelID string
	version   atomic.Uint64
}

func (c *channelState) Commit(adapter.LockHandle, string) ([]byte, error) {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], c.version.Add(1))
	return append([]byte(c.channelID), v[:]...), nil
}

func (c *channelState) CheckCommitment(proof *adapter.Proof) error {
	p := proof.Payload
	if len(p) != len(c.channelID)+8 || !bytes.Equal(p[:len(c.channelID)], []byte(c.channelID)) {
		return fmt.Errorf("state update is not for channel %s", c.channelID)
	}
	if binary.BigEndian.Uint64(p[len(c.channelID):]) == 0 {
		return fmt.Errorf("state update has version 0")
	}
	return nil
}
