package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaydesk/handoff/internal/domain"
)

// RedisDirectory implements Directory on Redis for distributed deployments.
// Layout: one hash per user, a set of queued identities, a reverse index
// hash from agent identity to user identity, and a list per transcript.
// Transitions run as Lua scripts so each one is atomic server-side.
type RedisDirectory struct {
	client    *redis.Client
	keyPrefix string
}

// RedisConfig holds connection settings for the Redis directory.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedis creates a Redis-backed directory and verifies connectivity.
func NewRedis(cfg RedisConfig) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "handoff:"
	}

	return &RedisDirectory{client: client, keyPrefix: prefix}, nil
}

func (d *RedisDirectory) userKey(identity string) string {
	return d.keyPrefix + "user:" + identity
}

func (d *RedisDirectory) queuedKey() string {
	return d.keyPrefix + "queued"
}

func (d *RedisDirectory) agentsKey() string {
	return d.keyPrefix + "agents"
}

func (d *RedisDirectory) messagesKey(identity string) string {
	return d.keyPrefix + "messages:" + identity
}

var findOrCreateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1],
    'identity', ARGV[1],
    'display_name', ARGV[2],
    'conversation', ARGV[3],
    'state', ARGV[4],
    'created_at', ARGV[5],
    'updated_at', ARGV[5])
end
return 1
`)

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
if redis.call('HGET', KEYS[1], 'state') ~= ARGV[2] then return 'wrong_state' end
redis.call('HSET', KEYS[1], 'state', ARGV[3], 'queued_at', ARGV[4], 'updated_at', ARGV[5])
redis.call('SADD', KEYS[2], ARGV[1])
return 'ok'
`)

var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
if redis.call('HGET', KEYS[1], 'state') ~= ARGV[2] then return 'not_queued' end
redis.call('HSET', KEYS[1], 'state', ARGV[3], 'updated_at', ARGV[4])
redis.call('HDEL', KEYS[1], 'queued_at')
redis.call('SREM', KEYS[2], ARGV[1])
return 'ok'
`)

var connectAgentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
if redis.call('HGET', KEYS[1], 'state') ~= ARGV[5] then return 'not_queued' end
if redis.call('HEXISTS', KEYS[3], ARGV[2]) == 1 then return 'busy' end
redis.call('HSET', KEYS[1],
  'state', ARGV[6],
  'agent_identity', ARGV[2],
  'agent_display_name', ARGV[3],
  'agent_conversation', ARGV[4],
  'updated_at', ARGV[7])
redis.call('HDEL', KEYS[1], 'queued_at')
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[2], ARGV[1])
return 'ok'
`)

var connectBotScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 'not_found' end
if redis.call('HGET', KEYS[1], 'state') ~= ARGV[2] then return 'wrong_state' end
local agent = redis.call('HGET', KEYS[1], 'agent_identity')
redis.call('HSET', KEYS[1], 'state', ARGV[3], 'updated_at', ARGV[4])
redis.call('HDEL', KEYS[1], 'queued_at', 'agent_identity', 'agent_display_name', 'agent_conversation')
if agent then redis.call('HDEL', KEYS[2], agent) end
return 'ok'
`)

func scriptResultErr(res interface{}) error {
	switch res {
	case "ok":
		return nil
	case "not_found":
		return ErrNotFound
	case "not_queued":
		return ErrNotQueued
	case "busy":
		return ErrAgentBusy
	case "wrong_state":
		return ErrWrongState
	default:
		return fmt.Errorf("unexpected script result: %v", res)
	}
}

// FindOrCreate returns the record for addr.Identity, creating it if missing.
func (d *RedisDirectory) FindOrCreate(ctx context.Context, addr domain.Address) (*domain.HandoffUser, error) {
	now := time.Now().Unix()
	err := findOrCreateScript.Run(ctx, d.client,
		[]string{d.userKey(addr.Identity)},
		addr.Identity, addr.DisplayName, addr.Conversation,
		string(domain.ConnectedToBot), now,
	).Err()
	if err != nil {
		return nil, fmt.Errorf("find or create user: %w", err)
	}
	return d.loadUser(ctx, addr.Identity)
}

func (d *RedisDirectory) loadUser(ctx context.Context, identity string) (*domain.HandoffUser, error) {
	fields, err := d.client.HGetAll(ctx, d.userKey(identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("load user hash: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	user := &domain.HandoffUser{
		Identity:    fields["identity"],
		DisplayName: fields["display_name"],
		State:       domain.State(fields["state"]),
		Address: domain.Address{
			Identity:     fields["identity"],
			DisplayName:  fields["display_name"],
			Conversation: fields["conversation"],
		},
	}
	if v, ok := fields["agent_identity"]; ok && v != "" {
		user.AgentLink = &domain.Address{
			Identity:     v,
			DisplayName:  fields["agent_display_name"],
			Conversation: fields["agent_conversation"],
		}
	}
	if v, ok := fields["queued_at"]; ok && v != "" {
		unix, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse queued_at: %w", err)
		}
		at := time.Unix(unix, 0)
		user.QueuedAt = &at
	}
	if v, ok := fields["created_at"]; ok && v != "" {
		unix, _ := strconv.ParseInt(v, 10, 64)
		user.CreatedAt = time.Unix(unix, 0)
	}
	if v, ok := fields["updated_at"]; ok && v != "" {
		unix, _ := strconv.ParseInt(v, 10, 64)
		user.UpdatedAt = time.Unix(unix, 0)
	}
	return user, nil
}

// AppendMessage appends one transcript entry.
func (d *RedisDirectory) AppendMessage(ctx context.Context, identity, speaker, text string) error {
	exists, err := d.client.Exists(ctx, d.userKey(identity)).Result()
	if err != nil {
		return fmt.Errorf("check user exists: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	data, err := json.Marshal(domain.Message{Speaker: speaker, Text: text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := d.client.RPush(ctx, d.messagesKey(identity), data).Err(); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Transcript returns the user's transcript, oldest first.
func (d *RedisDirectory) Transcript(ctx context.Context, identity string) ([]domain.Message, error) {
	raw, err := d.client.LRange(ctx, d.messagesKey(identity), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	var messages []domain.Message
	for _, entry := range raw {
		var m domain.Message
		if err := json.Unmarshal([]byte(entry), &m); err != nil {
			return nil, fmt.Errorf("unmarshal transcript entry: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// FindByAgentLink returns the record linked to the given agent identity.
func (d *RedisDirectory) FindByAgentLink(ctx context.Context, agentIdentity string) (*domain.HandoffUser, error) {
	identity, err := d.client.HGet(ctx, d.agentsKey(), agentIdentity).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup agent link: %w", err)
	}
	return d.loadUser(ctx, identity)
}

// ListQueued returns all queued records.
func (d *RedisDirectory) ListQueued(ctx context.Context) ([]*domain.HandoffUser, error) {
	identities, err := d.client.SMembers(ctx, d.queuedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list queued identities: %w", err)
	}

	var users []*domain.HandoffUser
	for _, identity := range identities {
		user, err := d.loadUser(ctx, identity)
		if err != nil {
			return nil, err
		}
		// The queued set can briefly lag behind the hash; trust the hash.
		if user.State == domain.QueuedForAgent {
			users = append(users, user)
		}
	}
	return users, nil
}

// Enqueue moves a record into QueuedForAgent.
func (d *RedisDirectory) Enqueue(ctx context.Context, identity string, at time.Time) error {
	res, err := enqueueScript.Run(ctx, d.client,
		[]string{d.userKey(identity), d.queuedKey()},
		identity, string(domain.ConnectedToBot), string(domain.QueuedForAgent),
		at.Unix(), time.Now().Unix(),
	).Result()
	if err != nil {
		return fmt.Errorf("enqueue user: %w", err)
	}
	return scriptResultErr(res)
}

// Dequeue moves a queued record back to ConnectedToBot.
func (d *RedisDirectory) Dequeue(ctx context.Context, identity string) error {
	res, err := dequeueScript.Run(ctx, d.client,
		[]string{d.userKey(identity), d.queuedKey()},
		identity, string(domain.QueuedForAgent), string(domain.ConnectedToBot),
		time.Now().Unix(),
	).Result()
	if err != nil {
		return fmt.Errorf("dequeue user: %w", err)
	}
	return scriptResultErr(res)
}

// ConnectAgent links a queued record to an agent. The script re-checks the
// queued state and the agent index in one atomic step.
func (d *RedisDirectory) ConnectAgent(ctx context.Context, identity string, agent domain.Address) error {
	res, err := connectAgentScript.Run(ctx, d.client,
		[]string{d.userKey(identity), d.queuedKey(), d.agentsKey()},
		identity, agent.Identity, agent.DisplayName, agent.Conversation,
		string(domain.QueuedForAgent), string(domain.ConnectedToAgent),
		time.Now().Unix(),
	).Result()
	if err != nil {
		return fmt.Errorf("connect agent: %w", err)
	}
	return scriptResultErr(res)
}

// ConnectBot returns an agent-connected record to the bot.
func (d *RedisDirectory) ConnectBot(ctx context.Context, identity string) error {
	res, err := connectBotScript.Run(ctx, d.client,
		[]string{d.userKey(identity), d.agentsKey()},
		identity, string(domain.ConnectedToAgent), string(domain.ConnectedToBot),
		time.Now().Unix(),
	).Result()
	if err != nil {
		return fmt.Errorf("connect bot: %w", err)
	}
	return scriptResultErr(res)
}

// Ping verifies Redis connectivity.
func (d *RedisDirectory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
