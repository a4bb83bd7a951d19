package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

// BoltIndex is an implementation of Index whose backend is a Bolt database.
// It keeps the creation time of blobs across restarts, independently of what
// the filesystem does with modification times.
type BoltIndex bolt.DB

var (
	bucketName = []byte("created")
)

func NewBoltIndex(db *bolt.DB) (*BoltIndex, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return fmt.Errorf("could not ensure bucket %q exists: %w", bucketName, err)
		}
		return nil
	})
	return (*BoltIndex)(db), err
}

func (x *BoltIndex) Record(key string, createdAt time.Time) error {
	var value [8]byte
	binary.BigEndian.PutUint64(value[:], uint64(createdAt.UnixNano()))
	return (*bolt.DB)(x).Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketName).Put([]byte(key), value[:]); err != nil {
			return fmt.Errorf("could not record %.40q: %w", key, err)
		}
		return nil
	})
}

func (x *BoltIndex) CreatedAt(key string) (createdAt time.Time, ok bool, err error) {
	err = (*bolt.DB)(x).View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketName).Get([]byte(key))
		if value == nil {
			return nil
		}
		if len(value) != 8 {
			return fmt.Errorf("%.40q: corrupt creation time of %d bytes", key, len(value))
		}
		createdAt = time.Unix(0, int64(binary.BigEndian.Uint64(value)))
		ok = true
		return nil
	})
	return
}

func (x *BoltIndex) Forget(key string) error {
	return (*bolt.DB)(x).Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}
