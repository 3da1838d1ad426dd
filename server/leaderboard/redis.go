package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"contest-arena/server/observability"
	"github.com/redis/go-redis/v9"
)

// Key layout:
//   leaderboard:{contestID}        ZSET  member=userID score=composite
//   leaderboard:{contestID}:meta   HASH  field {userID} = "points|tieMillis|answered"
//   leaderboard:{contestID}:frozen STRING marker set at snapshot time

// incrScript performs the whole AddOrIncr atomically: frozen check, meta
// read-modify-write, composite recompute, ZADD. Preloaded at connect time
// so only the SHA travels per call.
const incrScript = `
	if redis.call("exists", KEYS[3]) == 1 then
		return -1
	end
	local points, tie, answered = 0, 0, 0
	local raw = redis.call("hget", KEYS[2], ARGV[1])
	if raw then
		local p, t, a = string.match(raw, "(-?%d+)|(%d+)|(%d+)")
		points, tie, answered = tonumber(p), tonumber(t), tonumber(a)
	end
	local delta = tonumber(ARGV[2])
	local newTie = tonumber(ARGV[3])
	points = points + delta
	if newTie > tie then
		tie = newTie
	end
	if delta > 0 then
		answered = answered + 1
	end
	redis.call("hset", KEYS[2], ARGV[1], points .. "|" .. tie .. "|" .. answered)
	local composite = points - tie * 1e-13
	redis.call("zadd", KEYS[1], composite, ARGV[1])
	return points
`

// RedisEngine implements Engine on a Redis sorted set.
type RedisEngine struct {
	client  *redis.Client
	incrSHA string
}

func NewRedisEngine(client *redis.Client) (*RedisEngine, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sha, err := client.ScriptLoad(ctx, incrScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload leaderboard incr script: " + err.Error())
	}
	return &RedisEngine{client: client, incrSHA: sha}, nil
}

func zsetKey(contestID string) string   { return "leaderboard:" + contestID }
func metaKey(contestID string) string   { return "leaderboard:" + contestID + ":meta" }
func frozenKey(contestID string) string { return "leaderboard:" + contestID + ":frozen" }

func (e *RedisEngine) AddOrIncr(ctx context.Context, contestID, userID string, delta int, tieBreaker time.Time) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	var tieMs int64
	if !tieBreaker.IsZero() {
		tieMs = tieBreaker.UnixMilli()
	}
	res, err := e.client.EvalSha(ctx, e.incrSHA,
		[]string{zsetKey(contestID), metaKey(contestID), frozenKey(contestID)},
		userID, delta, tieMs,
	).Result()
	if err != nil {
		return err
	}
	if v, ok := res.(int64); ok && v == -1 {
		return ErrFrozen
	}
	return nil
}

func (e *RedisEngine) TopK(ctx context.Context, contestID string, k int) ([]Entry, error) {
	members, err := e.client.ZRevRange(ctx, zsetKey(contestID), 0, int64(k-1)).Result()
	if err != nil {
		return nil, err
	}
	return e.entriesFor(ctx, contestID, members, 1)
}

func (e *RedisEngine) RankOf(ctx context.Context, contestID, userID string) (int, error) {
	rank, err := e.client.ZRevRank(ctx, zsetKey(contestID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int(rank) + 1, nil
}

func (e *RedisEngine) ScoreOf(ctx context.Context, contestID, userID string) (int, error) {
	entry, err := e.EntryOf(ctx, contestID, userID)
	if err != nil || entry == nil {
		return 0, err
	}
	return entry.Score, nil
}

func (e *RedisEngine) EntryOf(ctx context.Context, contestID, userID string) (*Entry, error) {
	raw, err := e.client.HGet(ctx, metaKey(contestID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry, err := parseMeta(userID, raw)
	if err != nil {
		return nil, err
	}
	rank, err := e.RankOf(ctx, contestID, userID)
	if err != nil {
		return nil, err
	}
	entry.Rank = rank
	return entry, nil
}

func (e *RedisEngine) SnapshotAndFreeze(ctx context.Context, contestID string) ([]Entry, error) {
	// Freeze first so no write lands between the read and the delete.
	if err := e.client.Set(ctx, frozenKey(contestID), "1", 24*time.Hour).Err(); err != nil {
		return nil, err
	}

	members, err := e.client.ZRevRange(ctx, zsetKey(contestID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries, err := e.entriesFor(ctx, contestID, members, 1)
	if err != nil {
		return nil, err
	}

	// Volatile set is done; the snapshot rows are the durable record now.
	if err := e.client.Del(ctx, zsetKey(contestID), metaKey(contestID)).Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (e *RedisEngine) entriesFor(ctx context.Context, contestID string, members []string, startRank int) ([]Entry, error) {
	if len(members) == 0 {
		return nil, nil
	}
	raws, err := e.client.HMGet(ctx, metaKey(contestID), members...).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(members))
	for i, m := range members {
		raw, _ := raws[i].(string)
		entry, err := parseMeta(m, raw)
		if err != nil {
			return nil, err
		}
		entry.Rank = startRank + i
		entries = append(entries, *entry)
	}
	return entries, nil
}

func parseMeta(userID, raw string) (*Entry, error) {
	var points, tieMs, answered int64
	if raw != "" {
		if _, err := fmt.Sscanf(raw, "%d|%d|%d", &points, &tieMs, &answered); err != nil {
			return nil, fmt.Errorf("malformed leaderboard meta %q: %w", raw, err)
		}
	}
	entry := &Entry{
		UserID:            userID,
		Score:             int(points),
		QuestionsAnswered: int(answered),
	}
	if tieMs > 0 {
		entry.TieBreaker = time.UnixMilli(tieMs)
	}
	return entry, nil
}
