// Licensed under the MIT License. See LICENSE file in the project root for details.

package checkpoint

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	indexBucket      = []byte("index")
	indexOrderBucket = []byte("index-order")
	logBucket        = []byte("log")
	logOrderBucket   = []byte("log-order")
	deltaBucket      = []byte("delta")
)

// BoltManager stores checkpoints in a bbolt database. Each commit is a single
// transaction, so a checkpoint is either fully present or absent.
type BoltManager struct {
	db *bolt.DB
}

var _ Manager = &BoltManager{} // BoltManager is-a Manager.

// NewBoltManager opens (or creates) the database at path.
func NewBoltManager(path string) (*BoltManager, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening checkpoint database %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{indexBucket, indexOrderBucket, logBucket, logOrderBucket, deltaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "creating bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltManager{db: db}, nil
}

func (m *BoltManager) commit(data, order []byte, token string, metadata []byte, delta []byte) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		ob := tx.Bucket(order)
		seq, err := ob.NextSequence()
		if err != nil {
			return errors.Wrap(err, "allocating checkpoint sequence")
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		if err := ob.Put(key[:], []byte(token)); err != nil {
			return errors.Wrap(err, "writing checkpoint order")
		}
		if delta != nil {
			if err := tx.Bucket(deltaBucket).Put([]byte(token), delta); err != nil {
				return errors.Wrap(err, "writing delta log")
			}
		}
		return errors.Wrap(tx.Bucket(data).Put([]byte(token), metadata), "writing checkpoint metadata")
	})
}

func (m *BoltManager) get(bucket []byte, token string) ([]byte, error) {
	var out []byte
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(token))
		if v == nil {
			return nil
		}
		// Values are only valid for the life of the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	if err == nil && out == nil && string(bucket) != string(deltaBucket) {
		err = errors.Wrapf(ErrNotFound, "%s %s", bucket, token)
	}
	return out, err
}

func (m *BoltManager) tokens(order []byte) ([]string, error) {
	var out []string
	err := m.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(order).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			out = append(out, string(v))
		}
		return nil
	})
	return out, err
}

func (m *BoltManager) CommitIndexCheckpoint(token string, metadata []byte) error {
	return m.commit(indexBucket, indexOrderBucket, token, metadata, nil)
}

func (m *BoltManager) CommitLogCheckpoint(token string, metadata []byte) error {
	return m.commit(logBucket, logOrderBucket, token, metadata, nil)
}

func (m *BoltManager) CommitLogIncrementalCheckpoint(token string, _ uint64, metadata, deltaLog []byte) error {
	if deltaLog == nil {
		deltaLog = []byte{}
	}
	return m.commit(logBucket, logOrderBucket, token, metadata, deltaLog)
}

func (m *BoltManager) GetIndexCheckpointMetadata(token string) ([]byte, error) {
	return m.get(indexBucket, token)
}

func (m *BoltManager) GetLogCheckpointMetadata(token string) ([]byte, error) {
	return m.get(logBucket, token)
}

func (m *BoltManager) GetDeltaLog(token string) ([]byte, error) {
	return m.get(deltaBucket, token)
}

func (m *BoltManager) GetIndexCheckpointTokens() ([]string, error) {
	return m.tokens(indexOrderBucket)
}

func (m *BoltManager) GetLogCheckpointTokens() ([]string, error) {
	return m.tokens(logOrderBucket)
}

// Close closes the database.
func (m *BoltManager) Close() error {
	return m.db.Close()
}
