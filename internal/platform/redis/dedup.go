package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/marko911/layerbridge/internal/dedup"
)

var _ dedup.Store = (*DedupStore)(nil)

// Each proof is a hash {state, owner}. The owner of a consumed entry is its
// consumer. Reservations carry a PEXPIRE so an abandoned one falls back to
// unknown; consumed and voided entries persist.
var (
	reserveScript = goredis.NewScript(`
		local state = redis.call("HGET", KEYS[1], "state")
		if state == "consumed" or state == "voided" then
			return state
		end
		if state == "reserved" and redis.call("HGET", KEYS[1], "owner") ~= ARGV[1] then
			return "reserved"
		end
		redis.call("HSET", KEYS[1], "state", "reserved", "owner", ARGV[1])
		if tonumber(ARGV[2]) > 0 then
			redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			redis.call("PERSIST", KEYS[1])
		end
		return "ok"
	`)

	consumeScript = goredis.NewScript(`
		local state = redis.call("HGET", KEYS[1], "state")
		if state == "consumed" then
			if redis.call("HGET", KEYS[1], "owner") == ARGV[1] then
				return 1
			end
			return 0
		end
		if state == "voided" then
			return -1
		end
		redis.call("DEL", KEYS[1])
		redis.call("HSET", KEYS[1], "state", "consumed", "owner", ARGV[1])
		return 1
	`)

	voidScript = goredis.NewScript(`
		local state = redis.call("HGET", KEYS[1], "state")
		if state == "reserved" or state == "consumed" then
			return state
		end
		redis.call("DEL", KEYS[1])
		redis.call("HSET", KEYS[1], "state", "voided")
		return "ok"
	`)
)

type DedupStore struct {
	client goredis.UniversalClient
	prefix string
}

func NewDedupStore(client goredis.UniversalClient, keyPrefix string) *DedupStore {
	return &DedupStore{client: client, prefix: keyPrefix}
}

func (s *DedupStore) key(id string) string {
	return s.prefix + "proof:" + id
}

func (s *DedupStore) Reserve(ctx context.Context, id, owner string, ttl time.Duration) error {
	res, err := reserveScript.Run(ctx, s.client, []string{s.key(id)}, owner, ttl.Milliseconds()).Text()
	if err != nil {
		return fmt.Errorf("reserve proof %s: %w", id, err)
	}
	return stateErr(res)
}

func (s *DedupStore) Consume(ctx context.Context, id, consumer string) (bool, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.key(id)}, consumer).Int()
	if err != nil {
		return false, fmt.Errorf("consume proof %s: %w", id, err)
	}
	switch res {
	case 1:
		return true, nil
	case -1:
		return false, dedup.ErrVoided
	default:
		return false, nil
	}
}

func (s *DedupStore) Void(ctx context.Context, id string) error {
	res, err := voidScript.Run(ctx, s.client, []string{s.key(id)}).Text()
	if err != nil {
		return fmt.Errorf("void proof %s: %w", id, err)
	}
	return stateErr(res)
}

func (s *DedupStore) State(ctx context.Context, id string) (dedup.State, error) {
	state, err := s.client.HGet(ctx, s.key(id), "state").Result()
	if errors.Is(err, goredis.Nil) {
		return dedup.StateUnknown, nil
	}
	if err != nil {
		return dedup.StateUnknown, fmt.Errorf("proof state %s: %w", id, err)
	}
	switch state {
	case "reserved":
		return dedup.StateReserved, nil
	case "consumed":
		return dedup.StateConsumed, nil
	case "voided":
		return dedup.StateVoided, nil
	default:
		return dedup.StateUnknown, nil
	}
}

func stateErr(res string) error {
	switch res {
	case "ok":
		return nil
	case "reserved":
		return dedup.ErrReserved
	case "consumed":
		return dedup.ErrConsumed
	case "voided":
		return dedup.ErrVoided
	default:
		return fmt.Errorf("unexpected dedup script result %q", res)
	}
}
