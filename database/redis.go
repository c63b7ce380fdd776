package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"zenchat/models"
)

// Redis key prefixes. A log is a list of messages plus an id set and a
// status hash sharing its key as prefix.
const (
	redisPrefix         = "zc:"
	redisUsersKey       = redisPrefix + "users"
	redisUserPrefix     = redisPrefix + "user:"
	redisEmailPrefix    = redisPrefix + "email:"
	redisHandlePrefix   = redisPrefix + "handle:"
	redisSessionPrefix  = redisPrefix + "session:"
	redisLogPrefix      = redisPrefix + "log:"
	redisPeersPrefix    = redisPrefix + "peers:"
	redisGroupPrefix    = redisPrefix + "group:"
	redisUserGroupsPref = redisPrefix + "groups:"
	redisSettingsPrefix = redisPrefix + "settings:"
)

const redisMaxRetries = 16

// appendScript adds the id to the log's id set and only pushes the message
// when the id was new, so redelivery and concurrent appends are both safe.
var appendScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
if ARGV[4] ~= '' then
	redis.call('SADD', KEYS[4], ARGV[4])
end
return 1
`)

// RedisStore implements Store on Redis
type RedisStore struct {
	rdb *redis.Client
}

// OpenRedis connects to a Redis server and checks it answers
func OpenRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// watch runs an optimistic transaction, retrying when a watched key changed
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < redisMaxRetries; i++ {
		err = s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// User operations

func (s *RedisStore) CreateUser(ctx context.Context, name, email, secret string) (*models.User, error) {
	hash, err := hashSecret(secret)
	if err != nil {
		return nil, err
	}
	u := &models.User{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(name),
		Email:      normalizeEmail(email),
		SecretHash: hash,
		CreatedAt:  time.UnixMilli(time.Now().UnixMilli()).UTC(),
	}

	ok, err := s.rdb.SetNX(ctx, redisEmailPrefix+u.Email, u.ID, 0).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDuplicateEmail
	}

	data, err := json.Marshal(newUserRecord(u))
	if err != nil {
		return nil, err
	}
	if _, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisUserPrefix+u.ID, data, 0)
		pipe.SAdd(ctx, redisUsersKey, u.ID)
		return nil
	}); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *RedisStore) Authenticate(ctx context.Context, email, secret string) (*models.User, error) {
	id, err := s.rdb.Get(ctx, redisEmailPrefix+normalizeEmail(email)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	u, err := s.GetUser(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !checkSecret(u.SecretHash, secret) {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (s *RedisStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var rec userRecord
	if err := s.getJSON(ctx, redisUserPrefix+id, &rec); err != nil {
		return nil, err
	}
	return rec.user(), nil
}

func (s *RedisStore) UpdateUser(ctx context.Context, id string, upd models.UserUpdate) (*models.User, error) {
	userKey := redisUserPrefix + id
	var out *models.User

	err := s.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, userKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec userRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		u := rec.user()
		oldLower := normalizeHandle(u.Handle)
		next := upd

		var releaseOld bool
		if next.Handle != nil {
			h := cleanHandle(*next.Handle)
			next.Handle = &h
			newLower := normalizeHandle(h)
			if newLower != "" && newLower != oldLower {
				// SETNX claims the handle; a key we already own is fine
				ok, err := tx.SetNX(ctx, redisHandlePrefix+newLower, id, 0).Result()
				if err != nil {
					return err
				}
				if !ok {
					owner, err := tx.Get(ctx, redisHandlePrefix+newLower).Result()
					if err != nil && !errors.Is(err, redis.Nil) {
						return err
					}
					if owner != id {
						return ErrHandleTaken
					}
				}
			}
			releaseOld = oldLower != "" && newLower != oldLower
		}
		u.Apply(next)

		updated, err := json.Marshal(newUserRecord(u))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, userKey, updated, 0)
			if releaseOld {
				pipe.Del(ctx, redisHandlePrefix+oldLower)
			}
			return nil
		})
		out = u
		return err
	}, userKey)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) SearchUsers(ctx context.Context, query, excludeID string) ([]models.ProfileSummary, error) {
	results := []models.ProfileSummary{}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return results, nil
	}

	ids, err := s.rdb.SMembers(ctx, redisUsersKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return results, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisUserPrefix + id
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var matches []*models.User
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec userRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			continue
		}
		if u := rec.user(); u.ID != excludeID && matchesQuery(u, q) {
			matches = append(matches, u)
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })
	for i, u := range matches {
		if i == SearchLimit {
			break
		}
		results = append(results, u.ToSummary())
	}
	return results, nil
}

// Session operations

func (s *RedisStore) CreateSession(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !sess.ExpiresAt.IsZero() {
		if ttl = time.Until(sess.ExpiresAt); ttl <= 0 {
			return nil
		}
	}
	return s.rdb.Set(ctx, redisSessionPrefix+sess.ID, data, ttl).Err()
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.getJSON(ctx, redisSessionPrefix+id, &sess); err != nil {
		return nil, err
	}
	if sess.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, redisSessionPrefix+id).Err()
}

// Message operations

func redisLogKeys(key models.ConversationKey) (list, ids, status string) {
	list = redisLogPrefix + key.Owner + ":" + key.Peer
	return list, list + ":ids", list + ":status"
}

func (s *RedisStore) AppendMessage(ctx context.Context, key models.ConversationKey, msg *models.Message) (bool, error) {
	if err := checkAppend(key, msg); err != nil {
		return false, err
	}
	content := *msg
	content.Status = ""
	payload, err := json.Marshal(&content)
	if err != nil {
		return false, err
	}
	status := msg.Status
	if status == "" {
		status = models.StatusSent
	}
	peer := key.Peer
	if key.IsGroup() {
		peer = ""
	}

	list, ids, statusKey := redisLogKeys(key)
	n, err := appendScript.Run(ctx, s.rdb,
		[]string{ids, list, statusKey, redisPeersPrefix + key.Owner},
		msg.ID, payload, string(status), peer,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) ReadLog(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	list, _, statusKey := redisLogKeys(key)
	raw, err := s.rdb.LRange(ctx, list, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	statuses, err := s.rdb.HGetAll(ctx, statusKey).Result()
	if err != nil {
		return nil, err
	}

	log := make([]models.Message, 0, len(raw))
	for _, r := range raw {
		var m models.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		m.Status = models.MessageStatus(statuses[m.ID])
		log = append(log, m)
	}
	return log, nil
}

func (s *RedisStore) SetMessageStatus(ctx context.Context, key models.ConversationKey, id string, status models.MessageStatus) error {
	_, _, statusKey := redisLogKeys(key)
	return s.watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, statusKey, id).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !models.MessageStatus(current).Advances(status) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, statusKey, id, string(status))
			return nil
		})
		return err
	}, statusKey)
}

func (s *RedisStore) ListPeers(ctx context.Context, owner string) ([]string, error) {
	peers, err := s.rdb.SMembers(ctx, redisPeersPrefix+owner).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(peers)
	return peers, nil
}

// Group operations

func (s *RedisStore) CreateGroup(ctx context.Context, name string, groupType models.GroupType, memberIDs []string, avatar, ownerID string) (*models.Group, error) {
	g := newGroup(name, groupType, memberIDs, avatar, ownerID)
	data, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	if _, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisGroupPrefix+g.ID, data, 0)
		for _, uid := range g.MemberIDs {
			pipe.SAdd(ctx, redisUserGroupsPref+uid, g.ID)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *RedisStore) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	if err := s.getJSON(ctx, redisGroupPrefix+id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *RedisStore) GroupsForUser(ctx context.Context, userID string) ([]models.Group, error) {
	ids, err := s.rdb.SMembers(ctx, redisUserGroupsPref+userID).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	groups := make([]models.Group, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, nil
}

// Settings operations

func (s *RedisStore) GetSettings(ctx context.Context, userID string) (*models.Settings, error) {
	var settings models.Settings
	if err := s.getJSON(ctx, redisSettingsPrefix+userID, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *RedisStore) SaveSettings(ctx context.Context, userID string, settings *models.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, redisSettingsPrefix+userID, data, 0).Err()
}

func (s *RedisStore) ReadSnapshot(ctx context.Context, userID string) (*models.Snapshot, error) {
	return buildSnapshot(ctx, s, userID)
}
