package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the durable registry backend. Creation and rotation run as Lua
// scripts so concurrent creators cannot split tokens and a rotated token
// stops resolving in the same atomic step that installs its replacement.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// createScript returns the existing room's fields untouched when the room
// already exists; otherwise it installs the room hash and the token index.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('HGETALL', KEYS[1])
end
redis.call('HSET', KEYS[1],
  'owner_id', ARGV[1],
  'problem_id', ARGV[2],
  'share_token', ARGV[3],
  'created_at', ARGV[4],
  'token_created_at', ARGV[4])
redis.call('SET', KEYS[2], ARGV[5])
return redis.call('HGETALL', KEYS[1])
`)

// rotateScript swaps the share token and both index entries atomically.
// ARGV[4] carries the token key prefix because the old token is not known
// until the script reads it.
var rotateScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner_id')
if not owner then return 'NF' end
if owner ~= ARGV[1] then return 'NA' end
local old = redis.call('HGET', KEYS[1], 'share_token')
if old then redis.call('DEL', ARGV[4] .. old) end
redis.call('HSET', KEYS[1], 'share_token', ARGV[2], 'token_created_at', ARGV[3])
redis.call('SET', ARGV[4] .. ARGV[2], ARGV[5])
return 'OK'
`)

// NewRedis creates a redis-backed registry from a redis URL.
func NewRedis(redisURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, prefix), nil
}

// NewRedisWithClient creates a registry from an existing client.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "drawbridge:"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) roomKey(roomID string) string { return r.prefix + "room:" + roomID }
func (r *Redis) tokenPrefix() string          { return r.prefix + "token:" }

func (r *Redis) CreateRoom(ctx context.Context, ownerID, problemID string) (*Room, error) {
	roomID := RoomID(ownerID, problemID)
	token, err := newShareToken()
	if err != nil {
		return nil, err
	}
	now := r.now().UTC().Format(time.RFC3339Nano)

	res, err := createScript.Run(ctx, r.client,
		[]string{r.roomKey(roomID), r.tokenPrefix() + token},
		ownerID, problemID, token, now, roomID,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return roomFromReply(roomID, res)
}

func (r *Redis) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	fields, err := r.client.HGetAll(ctx, r.roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return roomFromFields(roomID, fields)
}

func (r *Redis) GetRoomByToken(ctx context.Context, token string) (*Room, error) {
	roomID, err := r.client.Get(ctx, r.tokenPrefix()+token).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	room, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	// A rotated token can briefly leave a dangling index entry if the room
	// was deleted out of band; treat any mismatch as stale.
	if room.ShareToken != token {
		return nil, ErrNotFound
	}
	return room, nil
}

func (r *Redis) RegenerateToken(ctx context.Context, roomID, requestingOwnerID string) (string, error) {
	token, err := newShareToken()
	if err != nil {
		return "", err
	}
	now := r.now().UTC().Format(time.RFC3339Nano)

	res, err := rotateScript.Run(ctx, r.client,
		[]string{r.roomKey(roomID)},
		requestingOwnerID, token, now, r.tokenPrefix(), roomID,
	).Result()
	if err != nil {
		return "", fmt.Errorf("rotate token: %w", err)
	}
	switch res {
	case "OK":
		return token, nil
	case "NF":
		return "", ErrNotFound
	case "NA":
		return "", ErrUnauthorized
	default:
		return "", fmt.Errorf("rotate token: unexpected reply %v", res)
	}
}

// Close closes the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

// Ping checks redis reachability.
func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func roomFromReply(roomID string, res any) (*Room, error) {
	pairs, ok := res.([]any)
	if !ok || len(pairs)%2 != 0 {
		return nil, fmt.Errorf("create room: unexpected reply shape %T", res)
	}
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		fields[k] = v
	}
	return roomFromFields(roomID, fields)
}

func roomFromFields(roomID string, fields map[string]string) (*Room, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	tokenAt, err := time.Parse(time.RFC3339Nano, fields["token_created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse token_created_at: %w", err)
	}
	return &Room{
		ID:             roomID,
		OwnerID:        fields["owner_id"],
		ProblemID:      fields["problem_id"],
		ShareToken:     fields["share_token"],
		CreatedAt:      createdAt,
		TokenCreatedAt: tokenAt,
	}, nil
}
