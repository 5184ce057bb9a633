package raft

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// Store persists the state a Raft node must survive a restart with:
// current term, vote record, the log itself, and snapshot metadata. It
// replaces hashicorp/raft-boltdb, whose LogStore/StableStore interfaces are
// coupled to hashicorp/raft's own Log type; this node's log entries and RPC
// shapes are hand-rolled from the paper instead, so the persistence layer
// is hand-rolled to match, reusing only the bbolt dependency itself (also
// used by the teacher's own storage layer).
type Store interface {
	SetCurrentTerm(term uint64) error
	CurrentTerm() (uint64, error)
	SetVotedFor(candidateID string) error
	VotedFor() (string, error)

	AppendEntries(entries []LogEntry) error
	GetEntry(index uint64) (LogEntry, bool, error)
	// TruncateFrom deletes every entry at or after index (used to drop a
	// conflicting suffix before appending a leader's entries).
	TruncateFrom(index uint64) error
	LastIndex() (uint64, error)
	LastTerm() (uint64, error)

	SetSnapshotMetadata(meta SnapshotMetadata) error
	SnapshotMetadata() (SnapshotMetadata, error)
	// DiscardLogThrough removes every entry at or below index, used after
	// a snapshot is taken or installed.
	DiscardLogThrough(index uint64) error

	Close() error
}

var (
	bucketMeta     = []byte("meta")
	bucketLog      = []byte("log")
	bucketSnapshot = []byte("snapshot")

	keyCurrentTerm = []byte("current_term")
	keyVotedFor    = []byte("voted_for")
	keySnapMeta    = []byte("metadata")
)

// BoltStore is the bbolt-backed Store implementation. Every mutation is a
// single Update transaction, which bbolt fsyncs before returning, matching
// the paper's requirement that persistent state be stable before a node
// replies to an RPC.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the Raft store under dir.
func NewBoltStore(dir string) (*BoltStore, error) {
	path := filepath.Join(dir, "raft.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open raft store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketLog, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) SetCurrentTerm(term uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], term)
		return tx.Bucket(bucketMeta).Put(keyCurrentTerm, buf[:])
	})
}

func (s *BoltStore) CurrentTerm() (uint64, error) {
	var term uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyCurrentTerm)
		if v != nil {
			term = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return term, err
}

func (s *BoltStore) SetVotedFor(candidateID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyVotedFor, []byte(candidateID))
	})
}

func (s *BoltStore) VotedFor() (string, error) {
	var votedFor string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyVotedFor)
		votedFor = string(v)
		return nil
	})
	return votedFor, err
}

func logKey(index uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	return buf[:]
}

func (s *BoltStore) AppendEntries(entries []LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(logKey(e.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetEntry(index uint64) (LogEntry, bool, error) {
	var entry LogEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLog).Get(logKey(index))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &entry)
	})
	return entry, found, err
}

func (s *BoltStore) TruncateFrom(index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(logKey(index)); k != nil; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) DiscardLogThrough(index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil && v != nil; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) > index {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LastIndex() (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		k, _ := c.Last()
		if k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return last, err
}

func (s *BoltStore) LastTerm() (uint64, error) {
	idx, err := s.LastIndex()
	if err != nil || idx == 0 {
		return 0, err
	}
	entry, ok, err := s.GetEntry(idx)
	if err != nil || !ok {
		return 0, err
	}
	return entry.Term, nil
}

func (s *BoltStore) SetSnapshotMetadata(meta SnapshotMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshot).Put(keySnapMeta, data)
	})
}

func (s *BoltStore) SnapshotMetadata() (SnapshotMetadata, error) {
	var meta SnapshotMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshot).Get(keySnapMeta)
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &meta)
	})
	return meta, err
}
