package mtproto

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"golang.org/x/time/rate"

	"autobc/internal/broadcast"
	kit "autobc/internal/transport"
	logx "autobc/pkg/logx"
)

type Config struct {
	APIID       int
	APIHash     string
	Phone       string
	Password    string // optional; prompted when empty and 2FA is on
	SessionFile string

	// Requests per second across all sends of one connection.
	RatePerSec float64
	Burst      int

	ConnectTimeout time.Duration
}

const (
	defaultSessionFile    = "./data/autobc.session.json"
	defaultConnectTimeout = 3 * time.Minute
)

func (c Config) Validate() error {
	if c.APIID == 0 {
		return errors.New("api_id is required")
	}
	if strings.TrimSpace(c.APIHash) == "" {
		return errors.New("api_hash is required")
	}
	return nil
}

// Connector opens user-account sessions. It implements broadcast.Connector.
type Connector struct {
	cfg    Config
	prompt Prompter
	log    logx.Logger
}

// NewConnector validates cfg. prompt may be nil, in which case Connect
// fails with ErrNotAuthorized instead of asking for a login code.
func NewConnector(cfg Config, prompt Prompter, log logx.Logger) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.SessionFile) == "" {
		cfg.SessionFile = defaultSessionFile
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Connector{cfg: cfg, prompt: prompt, log: log.With(logx.String("comp", "mtproto"))}, nil
}

// Connect starts a client and returns once it is authorized. The client
// keeps running until Close; it is not tied to ctx beyond the handshake.
func (c *Connector) Connect(ctx context.Context) (broadcast.Conn, error) {
	if err := os.MkdirAll(filepath.Dir(c.cfg.SessionFile), 0o700); err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	}
	client := telegram.NewClient(c.cfg.APIID, c.cfg.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: c.cfg.SessionFile},
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn := &conn{cancel: cancel, done: make(chan struct{}), log: c.log}
	ready := make(chan struct{})

	go func() {
		defer close(conn.done)
		err := client.Run(runCtx, func(rctx context.Context) error {
			actx, acancel := context.WithTimeout(rctx, c.cfg.ConnectTimeout)
			err := authorize(actx, client, c.cfg.Phone, c.cfg.Password, c.prompt, c.log)
			acancel()
			if err != nil {
				return err
			}
			conn.sender = &sender{
				api:     client.API(),
				peers:   newPeerCache(),
				limiter: rate.NewLimiter(rate.Limit(c.cfg.RatePerSec), c.cfg.Burst),
				log:     c.log,
			}
			close(ready)
			<-rctx.Done()
			return rctx.Err()
		})
		conn.setErr(err)
	}()

	select {
	case <-ready:
		c.log.Info("connected")
		return conn, nil
	case <-conn.done:
		cancel()
		err := conn.err()
		if err == nil {
			err = errors.New("client stopped during connect")
		}
		return nil, err
	case <-ctx.Done():
		cancel()
		<-conn.done
		return nil, ctx.Err()
	}
}

// conn is one running client.
type conn struct {
	*sender

	cancel context.CancelFunc
	done   chan struct{}
	log    logx.Logger

	mu     sync.Mutex
	runErr error
	once   sync.Once
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	c.runErr = err
	c.mu.Unlock()
}

func (c *conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// Alive reports whether the client loop is still running. The scheduler
// reconnects when it is not.
func (c *conn) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *conn) SendMessage(ctx context.Context, to kit.ChatTarget, p broadcast.Payload) error {
	if !c.Alive() {
		return fmt.Errorf("mtproto client stopped: %v", c.err())
	}
	return c.sender.SendMessage(ctx, to, p)
}

func (c *conn) Close(ctx context.Context) error {
	c.once.Do(c.cancel)
	select {
	case <-c.done:
		c.log.Debug("disconnected")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mtproto close: %w", ctx.Err())
	}
}
