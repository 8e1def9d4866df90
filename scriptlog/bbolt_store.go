package scriptlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	bolt "go.etcd.io/bbolt"
)

const (
	entriesBucket = "script_log_entries"
	// indexBucket maps a request ID to its most recent write time, kept
	// separate from the (gzip'd) entries themselves so a TTL sweep can scan
	// every key without inflating every value it isn't going to delete.
	indexBucket = "script_log_index"
)

// BboltStore is the persisted variant, keyed by request UUID, with its
// entries gzip-compressed before being written to the bucket.
type BboltStore struct {
	db *bolt.DB
}

func OpenBboltStore(path string) (*BboltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("scriptlog: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(entriesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(indexBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BboltStore{db: db}, nil
}

func (s *BboltStore) Append(requestID string, entry Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket([]byte(entriesBucket))
		ib := tx.Bucket([]byte(indexBucket))

		var entries []Entry
		if raw := eb.Get([]byte(requestID)); raw != nil {
			decoded, err := decodeEntries(raw)
			if err != nil {
				return err
			}
			entries = decoded
		}
		entries = append(entries, entry)

		encoded, err := encodeEntries(entries)
		if err != nil {
			return err
		}
		if err := eb.Put([]byte(requestID), encoded); err != nil {
			return err
		}
		return ib.Put([]byte(requestID), encodeUnixNano(entry.Timestamp))
	})
}

func (s *BboltStore) Get(requestID string) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(entriesBucket)).Get([]byte(requestID))
		if raw == nil {
			return ErrNotFound
		}
		decoded, err := decodeEntries(raw)
		if err != nil {
			return err
		}
		entries = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

// expire deletes every request whose most recent log line is older than
// ttl. Invoked from the cron schedule in sweep.go.
func (s *BboltStore) expire(ttl time.Duration) error {
	cutoff := time.Now().Add(-ttl).UnixNano()
	return s.db.Update(func(tx *bolt.Tx) error {
		ib := tx.Bucket([]byte(indexBucket))
		eb := tx.Bucket([]byte(entriesBucket))

		var stale [][]byte
		err := ib.ForEach(func(k, v []byte) error {
			if decodeUnixNano(v) < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := ib.Delete(k); err != nil {
				return err
			}
			if err := eb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeEntries(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gw).Encode(entries); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntries(raw []byte) ([]Entry, error) {
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	var entries []Entry
	if err := json.NewDecoder(gr).Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func encodeUnixNano(t time.Time) []byte {
	return []byte(strconv.FormatInt(t.UnixNano(), 10))
}

func decodeUnixNano(b []byte) int64 {
	v, _ := strconv.ParseInt(string(b), 10, 64)
	return v
}
