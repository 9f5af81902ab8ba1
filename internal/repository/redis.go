package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/azizikri/token-faucet/internal/domain"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisClaimPrefix = "faucet:claim:"
	redisLockPrefix  = "faucet:lock:"
	redisPausedKey   = "faucet:paused"

	fieldLastClaimAt  = "last_claim_at"
	fieldTotalClaimed = "total_claimed"

	lockRetryInterval = 10 * time.Millisecond
)

var (
	ErrLockTimeout = errors.New("timed out acquiring identity lock")
	ErrLockLost    = errors.New("identity lock expired before commit")
)

var releaseLock = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// commitRecord writes the claim hash only while ARGV[1] still owns the lock.
// An empty ARGV[3] means the identity never claimed.
var commitRecord = redis.NewScript(`
if redis.call("get", KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call("hset", KEYS[2], "total_claimed", ARGV[2])
if ARGV[3] ~= "" then
	redis.call("hset", KEYS[2], "last_claim_at", ARGV[3])
end
return 1
`)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// LockTTL bounds how long a crashed holder can keep an identity locked.
	LockTTL time.Duration
	// LockWait bounds how long ExecTx waits for a busy identity.
	LockWait time.Duration
}

type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
	logger *zap.SugaredLogger
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(cfg RedisConfig, logger *zap.SugaredLogger) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis ping failed")
	}

	return &RedisStore{client: client, cfg: cfg, logger: logger}, nil
}

func (s *RedisStore) ExecTx(ctx context.Context, identity string, fn func(Querier) error) error {
	token, release, err := s.lock(ctx, identity)
	if err != nil {
		return err
	}
	defer release()

	q := &redisQuerier{store: s, identity: identity}
	if err := fn(q); err != nil {
		return err
	}
	if q.staged == nil {
		return nil
	}

	lastClaimAt := ""
	if q.staged.HasClaimed() {
		lastClaimAt = strconv.FormatInt(q.staged.LastClaimAt.UnixNano(), 10)
	}
	keys := []string{redisLockPrefix + identity, redisClaimPrefix + identity}
	committed, err := commitRecord.Run(ctx, s.client, keys, token, q.staged.TotalClaimed, lastClaimAt).Int()
	if err != nil {
		return errors.Wrap(err, "commit claim record")
	}
	if committed == 0 {
		return errors.Wrapf(ErrLockLost, "identity %s", identity)
	}
	return nil
}

func (s *RedisStore) lock(ctx context.Context, identity string) (string, func(), error) {
	key := redisLockPrefix + identity
	token := uuid.NewString()
	deadline := time.Now().Add(s.cfg.LockWait)

	for {
		ok, err := s.client.SetNX(ctx, key, token, s.cfg.LockTTL).Result()
		if err != nil {
			return "", nil, errors.Wrapf(err, "acquire lock %s", key)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return "", nil, errors.Wrapf(ErrLockTimeout, "identity %s", identity)
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}

	return token, func() {
		// The caller's ctx may already be done; the lock must still go.
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseLock.Run(releaseCtx, s.client, []string{key}, token).Err(); err != nil {
			s.logger.Warnw("failed to release identity lock", "identity", identity, "error", err)
		}
	}, nil
}

func (s *RedisStore) GetClaimRecord(ctx context.Context, identity string) (domain.ClaimRecord, error) {
	fields, err := s.client.HGetAll(ctx, redisClaimPrefix+identity).Result()
	if err != nil {
		return domain.ClaimRecord{}, errors.Wrapf(err, "get claim record %s", identity)
	}
	return parseRecord(identity, fields)
}

func (s *RedisStore) IsPaused(ctx context.Context) (bool, error) {
	value, err := s.client.Get(ctx, redisPausedKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, errors.Wrap(err, "get paused flag")
	}
	return value == "1", nil
}

func (s *RedisStore) SetPaused(ctx context.Context, paused bool) error {
	value := "0"
	if paused {
		value = "1"
	}
	if err := s.client.Set(ctx, redisPausedKey, value, 0).Err(); err != nil {
		return errors.Wrap(err, "set paused flag")
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// redisQuerier stages at most one record: the one for the locked identity.
type redisQuerier struct {
	store    *RedisStore
	identity string
	staged   *domain.ClaimRecord
}

func (q *redisQuerier) IsPaused(ctx context.Context) (bool, error) {
	return q.store.IsPaused(ctx)
}

func (q *redisQuerier) GetClaimRecord(ctx context.Context, identity string) (domain.ClaimRecord, error) {
	if q.staged != nil && identity == q.identity {
		return *q.staged, nil
	}
	return q.store.GetClaimRecord(ctx, identity)
}

func (q *redisQuerier) SaveClaimRecord(_ context.Context, record domain.ClaimRecord) error {
	if record.Identity != q.identity {
		return errors.Newf("claim record %s is not covered by the lock on %s", record.Identity, q.identity)
	}
	q.staged = &record
	return nil
}

func parseRecord(identity string, fields map[string]string) (domain.ClaimRecord, error) {
	record := domain.ClaimRecord{Identity: identity}
	if raw, ok := fields[fieldTotalClaimed]; ok {
		total, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.ClaimRecord{}, errors.Wrapf(err, "parse %s for %s", fieldTotalClaimed, identity)
		}
		record.TotalClaimed = total
	}
	if raw, ok := fields[fieldLastClaimAt]; ok {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return domain.ClaimRecord{}, errors.Wrapf(err, "parse %s for %s", fieldLastClaimAt, identity)
		}
		record.LastClaimAt = time.Unix(0, nanos).UTC()
	}
	return record, nil
}
