package database

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"zenchat/logging"
	"zenchat/models"
)

// Key prefixes for BadgerDB storage
const (
	userKeyPrefix     = "user:"
	emailKeyPrefix    = "email:"
	handleKeyPrefix   = "handle:"
	sessionKeyPrefix  = "session:"
	msgKeyPrefix      = "msg:"
	msgIDKeyPrefix    = "msgid:"
	msgSeqKeyPrefix   = "msgseq:"
	peerKeyPrefix     = "peer:"
	groupKeyPrefix    = "group:"
	memberKeyPrefix   = "member:"
	settingsKeyPrefix = "settings:"
)

// conflicting transactions are retried this many times
const badgerMaxRetries = 64

// BadgerStore implements Store on an embedded BadgerDB
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens the database at path, or a throwaway in-memory one
func OpenBadger(path string, inMemory bool) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already opened database
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying on conflicts
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerMaxRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}

// keysWithPrefix returns key suffixes under prefix without loading values
func keysWithPrefix(txn *badger.Txn, prefix string) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		out = append(out, strings.TrimPrefix(string(it.Item().Key()), prefix))
	}
	return out
}

// User operations

func (s *BadgerStore) CreateUser(_ context.Context, name, email, secret string) (*models.User, error) {
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

	err = s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(emailKeyPrefix + u.Email)); err == nil {
			return ErrDuplicateEmail
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set([]byte(emailKeyPrefix+u.Email), []byte(u.ID)); err != nil {
			return err
		}
		return setJSON(txn, userKeyPrefix+u.ID, newUserRecord(u))
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *BadgerStore) Authenticate(_ context.Context, email, secret string) (*models.User, error) {
	var rec userRecord
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, emailKeyPrefix+normalizeEmail(email))
		if err != nil {
			return err
		}
		return getJSON(txn, userKeyPrefix+id, &rec)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !checkSecret(rec.SecretHash, secret) {
		return nil, ErrInvalidCredentials
	}
	return rec.user(), nil
}

func (s *BadgerStore) GetUser(_ context.Context, id string) (*models.User, error) {
	var rec userRecord
	if err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKeyPrefix+id, &rec)
	}); err != nil {
		return nil, err
	}
	return rec.user(), nil
}

func (s *BadgerStore) UpdateUser(_ context.Context, id string, upd models.UserUpdate) (*models.User, error) {
	var out *models.User
	err := s.update(func(txn *badger.Txn) error {
		var rec userRecord
		if err := getJSON(txn, userKeyPrefix+id, &rec); err != nil {
			return err
		}
		u := rec.user()
		oldLower := normalizeHandle(u.Handle)

		if upd.Handle != nil {
			h := cleanHandle(*upd.Handle)
			upd.Handle = &h
			newLower := normalizeHandle(h)
			if newLower != "" && newLower != oldLower {
				owner, err := getString(txn, handleKeyPrefix+newLower)
				switch {
				case err == nil && owner != id:
					return ErrHandleTaken
				case err != nil && !errors.Is(err, ErrNotFound):
					return err
				}
				if err := txn.Set([]byte(handleKeyPrefix+newLower), []byte(id)); err != nil {
					return err
				}
			}
			if oldLower != "" && newLower != oldLower {
				if err := txn.Delete([]byte(handleKeyPrefix + oldLower)); err != nil {
					return err
				}
			}
		}
		u.Apply(upd)
		out = u
		return setJSON(txn, userKeyPrefix+id, newUserRecord(u))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) SearchUsers(_ context.Context, query, excludeID string) ([]models.ProfileSummary, error) {
	results := []models.ProfileSummary{}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return results, nil
	}

	var matches []*models.User
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(userKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var rec userRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if u := rec.user(); u.ID != excludeID && matchesQuery(u, q) {
				matches = append(matches, u)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
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

func (s *BadgerStore) CreateSession(_ context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(sessionKeyPrefix+sess.ID), data)
		if ttl := time.Until(sess.ExpiresAt); !sess.ExpiresAt.IsZero() && ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

func (s *BadgerStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, sessionKeyPrefix+id, &sess)
	}); err != nil {
		return nil, err
	}
	if sess.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s *BadgerStore) DeleteSession(_ context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(sessionKeyPrefix + id))
	})
}

// Message operations

func logKey(key models.ConversationKey) string {
	return key.Owner + ":" + key.Peer
}

func seqKey(key models.ConversationKey, seq uint64) string {
	return fmt.Sprintf("%s%s:%020d", msgKeyPrefix, logKey(key), seq)
}

// AppendMessage stores the message under the next sequence number of its
// log. The id index makes redelivery a no-op; conflicting concurrent appends
// are retried so both land.
func (s *BadgerStore) AppendMessage(_ context.Context, key models.ConversationKey, msg *models.Message) (bool, error) {
	if err := checkAppend(key, msg); err != nil {
		return false, err
	}
	stored := *msg
	if stored.Status == "" {
		stored.Status = models.StatusSent
	}

	appended := false
	err := s.update(func(txn *badger.Txn) error {
		appended = false
		idKey := []byte(msgIDKeyPrefix + logKey(key) + ":" + msg.ID)
		if _, err := txn.Get(idKey); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		counterKey := []byte(msgSeqKeyPrefix + logKey(key))
		var seq uint64
		item, err := txn.Get(counterKey)
		switch {
		case err == nil:
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			seq = binary.BigEndian.Uint64(val)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		seq++

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		if err := txn.Set(counterKey, buf[:]); err != nil {
			return err
		}
		mk := seqKey(key, seq)
		if err := setJSON(txn, mk, &stored); err != nil {
			return err
		}
		if err := txn.Set(idKey, []byte(mk)); err != nil {
			return err
		}
		if !key.IsGroup() {
			if err := txn.Set([]byte(peerKeyPrefix+logKey(key)), nil); err != nil {
				return err
			}
		}
		appended = true
		return nil
	})
	return appended, err
}

func (s *BadgerStore) ReadLog(_ context.Context, key models.ConversationKey) ([]models.Message, error) {
	log := []models.Message{}
	prefix := []byte(msgKeyPrefix + logKey(key) + ":")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m models.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			log = append(log, m)
		}
		return nil
	})
	return log, err
}

func (s *BadgerStore) SetMessageStatus(_ context.Context, key models.ConversationKey, id string, status models.MessageStatus) error {
	return s.update(func(txn *badger.Txn) error {
		mk, err := getString(txn, msgIDKeyPrefix+logKey(key)+":"+id)
		if err != nil {
			return err
		}
		var m models.Message
		if err := getJSON(txn, mk, &m); err != nil {
			return err
		}
		if !m.Status.Advances(status) {
			return nil
		}
		m.Status = status
		return setJSON(txn, mk, &m)
	})
}

func (s *BadgerStore) ListPeers(_ context.Context, owner string) ([]string, error) {
	var peers []string
	err := s.db.View(func(txn *badger.Txn) error {
		peers = keysWithPrefix(txn, peerKeyPrefix+owner+":")
		return nil
	})
	return peers, err
}

// Group operations

func (s *BadgerStore) CreateGroup(_ context.Context, name string, groupType models.GroupType, memberIDs []string, avatar, ownerID string) (*models.Group, error) {
	g := newGroup(name, groupType, memberIDs, avatar, ownerID)
	err := s.update(func(txn *badger.Txn) error {
		if err := setJSON(txn, groupKeyPrefix+g.ID, g); err != nil {
			return err
		}
		for _, uid := range g.MemberIDs {
			if err := txn.Set([]byte(memberKeyPrefix+uid+":"+g.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *BadgerStore) GetGroup(_ context.Context, id string) (*models.Group, error) {
	var g models.Group
	if err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, groupKeyPrefix+id, &g)
	}); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *BadgerStore) GroupsForUser(_ context.Context, userID string) ([]models.Group, error) {
	groups := []models.Group{}
	err := s.db.View(func(txn *badger.Txn) error {
		for _, gid := range keysWithPrefix(txn, memberKeyPrefix+userID+":") {
			var g models.Group
			if err := getJSON(txn, groupKeyPrefix+gid, &g); err != nil {
				return err
			}
			groups = append(groups, g)
		}
		return nil
	})
	return groups, err
}

// Settings operations

func (s *BadgerStore) GetSettings(_ context.Context, userID string) (*models.Settings, error) {
	var settings models.Settings
	if err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, settingsKeyPrefix+userID, &settings)
	}); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *BadgerStore) SaveSettings(_ context.Context, userID string, settings *models.Settings) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, settingsKeyPrefix+userID, settings)
	})
}

func (s *BadgerStore) ReadSnapshot(ctx context.Context, userID string) (*models.Snapshot, error) {
	return buildSnapshot(ctx, s, userID)
}

// badgerLogger sends badger's internal logging to zerolog
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logging.Error().Str("component", "badger").Msgf(strings.TrimSpace(format), args...)
}

func (badgerLogger) Warningf(format string, args ...any) {
	logging.Warn().Str("component", "badger").Msgf(strings.TrimSpace(format), args...)
}

func (badgerLogger) Infof(format string, args ...any) {
	logging.Debug().Str("component", "badger").Msgf(strings.TrimSpace(format), args...)
}

func (badgerLogger) Debugf(format string, args ...any) {
	logging.Trace().Str("component", "badger").Msgf(strings.TrimSpace(format), args...)
}
