package client

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte("daily-assistant-storage")

const (
	keyConversations = "conversations"
	keyCurrentID     = "currentConversationId"
	keySettings      = "userSettings"
)

// BoltSnapshot 本地快照，一个 bucket 三个键，值为 JSON
type BoltSnapshot struct {
	db  *bolt.DB
	log logrus.FieldLogger
}

func OpenBoltSnapshot(path string, log logrus.FieldLogger) (*BoltSnapshot, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return &BoltSnapshot{db: db, log: log}, nil
}

func (b *BoltSnapshot) Close() error {
	return b.db.Close()
}

// Save 三个键在同一个事务里写入
func (b *BoltSnapshot) Save(st State) error {
	convs, err := json.Marshal(st.Conversations)
	if err != nil {
		return err
	}
	current, err := json.Marshal(st.CurrentConversationID)
	if err != nil {
		return err
	}
	settings, err := json.Marshal(st.Settings)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(snapshotBucket)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(keyConversations), convs); err != nil {
			return err
		}
		if err := bucket.Put([]byte(keyCurrentID), current); err != nil {
			return err
		}
		return bucket.Put([]byte(keySettings), settings)
	})
}

// Load 读取快照；缺失或损坏的键使用默认值，不让整个加载失败
func (b *BoltSnapshot) Load() (State, error) {
	st := State{Settings: DefaultSettings()}
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(snapshotBucket)
		if bucket == nil {
			return nil
		}
		var convs []Conversation
		if b.decode(bucket, keyConversations, &convs) {
			st.Conversations = convs
		}
		var current string
		if b.decode(bucket, keyCurrentID, &current) {
			st.CurrentConversationID = current
		}
		var settings Settings
		if b.decode(bucket, keySettings, &settings) {
			st.Settings = settings
		}
		return nil
	})
	if err != nil {
		return State{}, err
	}
	if st.Conversations == nil {
		st.Conversations = []Conversation{}
	}
	return st, nil
}

func (b *BoltSnapshot) decode(bucket *bolt.Bucket, key string, into interface{}) bool {
	raw := bucket.Get([]byte(key))
	if len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, into); err != nil {
		b.log.WithError(err).WithField("key", key).Warn("[Snapshot] skip malformed entry")
		return false
	}
	return true
}
