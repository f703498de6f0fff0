package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/marko911/layerbridge/internal/transfer"
)

var _ transfer.Token = (*Token)(nil)

var (
	releaseScript = goredis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)

	extendScript = goredis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// Token is a lease per transfer: SET NX PX with a random owner value, renewed
// at a third of its ttl while held.
type Token struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewToken(client goredis.UniversalClient, cfg Config, logger *slog.Logger) *Token {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultConfig().TokenTTL
	}
	return &Token{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    ttl,
		logger: logger.With("component", "redis-token"),
	}
}

func (t *Token) key(transferID string) string {
	return t.prefix + "token:" + transferID
}

func (t *Token) Acquire(ctx context.Context, transferID string) (transfer.Lease, error) {
	key := t.key(transferID)
	value := uuid.NewString()

	ok, err := t.client.SetNX(ctx, key, value, t.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire token %s: %w", transferID, err)
	}
	if !ok {
		return nil, transfer.ErrTokenHeld
	}

	l := &lease{
		token:      t,
		key:        key,
		value:      value,
		transferID: transferID,
		stop:       make(chan struct{}),
		lost:       make(chan struct{}),
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.renew()
	}()
	return l, nil
}

type lease struct {
	token      *Token
	key        string
	value      string
	transferID string

	stop chan struct{}
	lost chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func (l *lease) Lost() <-chan struct{} { return l.lost }

func (l *lease) Release() {
	l.once.Do(func() {
		close(l.stop)
		l.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.token.client, []string{l.key}, l.value).Err(); err != nil {
			l.token.logger.Warn("token release failed", "transfer_id", l.transferID, "error", err)
		}
	})
}

// renew extends the lease until Release. The lease is lost when the key no
// longer holds our value, or when no renewal succeeded for a whole ttl.
func (l *lease) renew() {
	t := l.token
	ticker := time.NewTicker(t.ttl / 3)
	defer ticker.Stop()
	renewed := time.Now()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.ttl/3)
			n, err := extendScript.Run(ctx, t.client, []string{l.key}, l.value, t.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err == nil && n == 1:
				renewed = time.Now()
				continue
			case err == nil:
				t.logger.Error("token lost", "transfer_id", l.transferID)
			case time.Since(renewed) >= t.ttl:
				t.logger.Error("token expired while renewals failed", "transfer_id", l.transferID, "error", err)
			default:
				t.logger.Warn("token renewal failed", "transfer_id", l.transferID, "error", err)
				continue
			}
			close(l.lost)
			return
		}
	}
}
