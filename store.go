package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrMissingUserID = errors.New("user has no id")
)

// Position is one user's last known position in a room. Both fields are kept
// as the client sent them.
type Position struct {
	User     json.RawMessage `json:"user"`
	Position json.RawMessage `json:"position"`
}

// RoomSnapshot is room metadata plus every current position, least recently
// updated first.
type RoomSnapshot struct {
	Image     string     `json:"image"`
	Size      int        `json:"size"`
	Positions []Position `json:"positions"`
}

// setPositionScript upserts the user's position and moves the user to the end
// of the room's order. The ordering score comes from a per-room counter bumped
// in the same script, so the order always matches the order writes were applied.
var setPositionScript = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[2], seq, ARGV[1])
return seq
`)

// Store keeps room metadata and positions in Redis under prefix:
//
//	<prefix>:meta:<room>            hash  image, size
//	<prefix>:position:<room>        hash  user id -> {"user":..,"position":..}
//	<prefix>:position:sort:<room>   zset  user id scored by write sequence
//	<prefix>:position:seq:<room>    int   last write sequence
type Store struct {
	rdb         *redis.Client
	prefix      string
	defaultSize int
}

func NewStore(rdb *redis.Client, prefix string, defaultSize int) *Store {
	if defaultSize < 1 {
		defaultSize = DefaultRoomSize
	}
	return &Store{rdb: rdb, prefix: prefix, defaultSize: defaultSize}
}

func (s *Store) metaKey(room string) string     { return s.prefix + ":meta:" + room }
func (s *Store) positionKey(room string) string { return s.prefix + ":position:" + room }
func (s *Store) sortKey(room string) string     { return s.prefix + ":position:sort:" + room }
func (s *Store) seqKey(room string) string      { return s.prefix + ":position:seq:" + room }

// DefaultSize is the size given to rooms created without one.
func (s *Store) DefaultSize() int { return s.defaultSize }

// CreateRoom writes the metadata for room. size < 1 means the default size.
func (s *Store) CreateRoom(ctx context.Context, room, image string, size int) error {
	if size < 1 {
		size = s.defaultSize
	}
	if err := s.rdb.HSet(ctx, s.metaKey(room), "image", image, "size", size).Err(); err != nil {
		return fmt.Errorf("create room %s: %w", room, err)
	}
	return nil
}

// GetRoom returns the room's snapshot, or ErrRoomNotFound if it was never created.
func (s *Store) GetRoom(ctx context.Context, room string) (*RoomSnapshot, error) {
	var (
		meta  *redis.SliceCmd
		users *redis.MapStringStringCmd
		order *redis.StringSliceCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		meta = p.HMGet(ctx, s.metaKey(room), "image", "size")
		users = p.HGetAll(ctx, s.positionKey(room))
		order = p.ZRange(ctx, s.sortKey(room), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", room, err)
	}

	vals := meta.Val()
	if len(vals) != 2 || vals[0] == nil {
		return nil, ErrRoomNotFound
	}
	image, _ := vals[0].(string)
	size := s.defaultSize
	if raw, ok := vals[1].(string); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			size = n
		}
	}

	positions := make([]Position, 0, len(order.Val()))
	byUser := users.Val()
	for _, id := range order.Val() {
		encoded, ok := byUser[id]
		if !ok {
			continue
		}
		var p Position
		if err := json.Unmarshal([]byte(encoded), &p); err != nil {
			return nil, fmt.Errorf("decode position %s/%s: %w", room, id, err)
		}
		positions = append(positions, p)
	}

	return &RoomSnapshot{Image: image, Size: size, Positions: positions}, nil
}

// SetPosition upserts the position of user in room and makes it the most recent.
func (s *Store) SetPosition(ctx context.Context, room string, user, position json.RawMessage) error {
	id, err := UserID(user)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(Position{User: user, Position: position})
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}

	keys := []string{s.positionKey(room), s.sortKey(room), s.seqKey(room)}
	if err := setPositionScript.Run(ctx, s.rdb, keys, id, encoded).Err(); err != nil {
		return fmt.Errorf("set position %s/%s: %w", room, id, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// UserID extracts the "id" of a user record. String and numeric ids are accepted.
func UserID(user json.RawMessage) (string, error) {
	var u struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(user, &u); err != nil {
		return "", fmt.Errorf("decode user: %w", err)
	}
	raw := bytes.TrimSpace(u.ID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ErrMissingUserID
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("decode user id: %w", err)
		}
		if id == "" {
			return "", ErrMissingUserID
		}
		return id, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("user id must be a string or number: %w", err)
	}
	return n.String(), nil
}
