package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatdesk/pkg/utils"
)

// Lease grants exclusive ownership of the transport connection across replicas.
type Lease interface {
	// Acquire claims the lease. onLost runs once if ownership is later lost.
	Acquire(ctx context.Context, onLost func()) (bool, error)
	Release(ctx context.Context) error
}

// RedisLease holds a TTL lease in Redis and renews it in the background.
type RedisLease struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
	log   *slog.Logger

	mu   sync.Mutex
	stop context.CancelFunc
	done chan struct{}
}

func NewRedisLease(rdb *redis.Client, sessionName string, ttl time.Duration, log *slog.Logger) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisLease{
		rdb:   rdb,
		key:   "chatdesk:session-lease:" + sessionName,
		token: uuid.NewString(),
		ttl:   ttl,
		log:   log.With("component", "session_lease"),
	}
}

func (l *RedisLease) Acquire(ctx context.Context, onLost func()) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return true, nil
	}

	ok, err := utils.AcquireLease(ctx, l.rdb, l.key, l.token, l.ttl)
	if err != nil || !ok {
		return ok, err
	}

	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.stop = cancel
	l.done = make(chan struct{})
	go l.renew(renewCtx, l.done, onLost)
	return true, nil
}

func (l *RedisLease) renew(ctx context.Context, done chan struct{}, onLost func()) {
	defer close(done)
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := utils.RenewLease(ctx, l.rdb, l.key, l.token, l.ttl)
			if errors.Is(err, context.Canceled) {
				return
			}
			if err != nil {
				// Transient; the TTL still covers a few missed renewals.
				l.log.Warn("session lease renew failed", "err", err)
				continue
			}
			if !ok {
				l.log.Error("session lease lost")
				if onLost != nil {
					onLost()
				}
				return
			}
		}
	}
}

func (l *RedisLease) Release(ctx context.Context) error {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()

	if stop == nil {
		return nil
	}
	stop()
	<-done
	return utils.ReleaseLease(ctx, l.rdb, l.key, l.token)
}
