package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Session index keys of one gateway node
func sessionKey(node string) string        { return "tcp_uid:" + node }
func sessionReverseKey(node string) string { return "tcp_uid_f:" + node }

// bindScript writes both directions of a session pairing.
// KEYS[1] = tcp_uid:{node}, KEYS[2] = tcp_uid_f:{node}
// ARGV[1] = address, ARGV[2] = device id
var bindScript = redis.NewScript(`
local oldID = redis.call("HGET", KEYS[2], ARGV[1])
if oldID and oldID ~= ARGV[2] then
	if redis.call("HGET", KEYS[1], oldID) == ARGV[1] then
		redis.call("HDEL", KEYS[1], oldID)
	end
end
local oldAddr = redis.call("HGET", KEYS[1], ARGV[2])
if oldAddr and oldAddr ~= ARGV[1] then
	redis.call("HDEL", KEYS[2], oldAddr)
end
redis.call("HSET", KEYS[1], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// unbindScript removes the pairing of an address.
// The forward entry is only removed while it still points at the address,
// so a device that already reconnected elsewhere keeps its new entry.
// KEYS[1] = tcp_uid:{node}, KEYS[2] = tcp_uid_f:{node}
// ARGV[1] = address
var unbindScript = redis.NewScript(`
local id = redis.call("HGET", KEYS[2], ARGV[1])
if not id then
	return false
end
redis.call("HDEL", KEYS[2], ARGV[1])
if redis.call("HGET", KEYS[1], id) == ARGV[1] then
	redis.call("HDEL", KEYS[1], id)
end
return id
`)

// BindSession pairs addr with deviceID in the session index of node
func (c *Client) BindSession(ctx context.Context, node, addr, deviceID string) error {
	keys := []string{c.key(sessionKey(node)), c.key(sessionReverseKey(node))}
	if err := bindScript.Run(ctx, c.rdb, keys, addr, deviceID).Err(); err != nil {
		return fmt.Errorf("failed to bind session %s -> %s: %w", deviceID, addr, err)
	}
	return nil
}

// UnbindSession removes the pairing of addr and returns the device id it was bound to.
// An address without pairing returns an empty id and no error.
func (c *Client) UnbindSession(ctx context.Context, node, addr string) (string, error) {
	keys := []string{c.key(sessionKey(node)), c.key(sessionReverseKey(node))}
	id, err := unbindScript.Run(ctx, c.rdb, keys, addr).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to unbind session %s: %w", addr, err)
	}
	return id, nil
}

// LookupAddress returns the address deviceID is connected from on node
func (c *Client) LookupAddress(ctx context.Context, node, deviceID string) (string, bool, error) {
	return c.HGet(ctx, sessionKey(node), deviceID)
}

// ResetSessions deletes the whole session index of node
func (c *Client) ResetSessions(ctx context.Context, node string) error {
	return c.Delete(ctx, sessionKey(node), sessionReverseKey(node))
}
