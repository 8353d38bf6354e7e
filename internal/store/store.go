// Package store is the bbolt-backed entity store for the local replica.
// All mutation goes through conditional read-modify-write updaters so
// concurrent writers to the same entity serialize through bbolt's
// transaction lock and writers to different entities never conflict.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the state directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	convBucket   = []byte("conversations")
	memberBucket = []byte("members")
	userBucket   = []byte("users")
)

// memberKey builds the composite membership key. The zero byte never
// appears in ids, so the encoding is unambiguous.
func memberKey(convID, userID string) []byte {
	k := make([]byte, 0, len(convID)+1+len(userID))
	k = append(k, convID...)
	k = append(k, 0)
	k = append(k, userID...)

	return k
}

// memberPrefix returns the scan prefix for one conversation's rows.
func memberPrefix(convID string) []byte {
	return append([]byte(convID), 0)
}

// Store wraps a bbolt database holding conversations, memberships and
// users.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store at the given path and ensures all
// buckets exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{convBucket, memberBucket, userBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetConversation returns the conversation with the given local id, or
// nil if absent.
func (s *Store) GetConversation(id string) (*ConversationRecord, error) {
	var rec *ConversationRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(convBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		rec = &ConversationRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// UpdateConversation applies fn to the stored record under a single
// write transaction. Returns (old, new) or (nil, nil) when the record
// does not exist.
func (s *Store) UpdateConversation(id string, fn func(*ConversationRecord)) (*ConversationRecord, *ConversationRecord, error) {
	var oldRec, newRec *ConversationRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(convBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		var rec ConversationRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		prev := rec
		oldRec = &prev

		fn(&rec)
		rec.LocalID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		if err := b.Put([]byte(id), data); err != nil {
			return err
		}

		newRec = &rec

		return nil
	})

	return oldRec, newRec, err
}

// InsertOrUpdateConversation upserts the record with the given id: when
// absent it starts from def, then fn (if non-nil) is applied. Returns
// the stored record and whether it was newly created.
func (s *Store) InsertOrUpdateConversation(id string, def ConversationRecord, fn func(*ConversationRecord)) (*ConversationRecord, bool, error) {
	var (
		stored  ConversationRecord
		created bool
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(convBucket)

		v := b.Get([]byte(id))
		if v == nil {
			created = true
			stored = def
		} else if err := json.Unmarshal(v, &stored); err != nil {
			return err
		}

		if fn != nil {
			fn(&stored)
		}

		stored.LocalID = id

		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
	if err != nil {
		return nil, false, err
	}

	return &stored, created, nil
}

// UpdateOrCreateAll upserts a batch of conversations in one transaction.
// Each updater receives the existing record or a zero record with the
// LocalID set. Returns the stored records keyed by local id and the set
// of ids that were newly created.
func (s *Store) UpdateOrCreateAll(updaters map[string]func(*ConversationRecord)) (map[string]ConversationRecord, map[string]bool, error) {
	stored := make(map[string]ConversationRecord, len(updaters))
	created := make(map[string]bool)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(convBucket)

		for id, fn := range updaters {
			var rec ConversationRecord

			v := b.Get([]byte(id))
			if v == nil {
				created[id] = true
			} else if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			rec.LocalID = id
			if fn != nil {
				fn(&rec)
			}
			rec.LocalID = id

			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(id), data); err != nil {
				return err
			}

			stored[id] = rec
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return stored, created, nil
}

// ConversationByRemoteID scans for the conversation with the given
// remote id. At most one record carries a given remote id.
func (s *Store) ConversationByRemoteID(remoteID string) (*ConversationRecord, error) {
	if remoteID == "" {
		return nil, nil
	}

	var rec *ConversationRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(convBucket).ForEach(func(_, v []byte) error {
			var c ConversationRecord
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			if c.RemoteID == remoteID {
				rec = &c
			}

			return nil
		})
	})

	return rec, err
}

// AllConversations returns every stored conversation.
func (s *Store) AllConversations() ([]ConversationRecord, error) {
	var out []ConversationRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(convBucket).ForEach(func(_, v []byte) error {
			var c ConversationRecord
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			out = append(out, c)

			return nil
		})
	})

	return out, err
}

// DeleteConversation removes a conversation and its membership rows.
func (s *Store) DeleteConversation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(convBucket).Delete([]byte(id)); err != nil {
			return err
		}

		mb := tx.Bucket(memberBucket)
		c := mb.Cursor()
		prefix := memberPrefix(id)

		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := mb.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

// AddMembers marks the given users as active members of the
// conversation. Adding an existing active member is a no-op, so the
// operation is idempotent.
func (s *Store) AddMembers(convID string, userIDs []string, addedBy string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(memberBucket)

		for _, uid := range userIDs {
			m := MembershipRecord{ConvID: convID, UserID: uid, Active: true, AddedBy: addedBy}

			if v := b.Get(memberKey(convID, uid)); v != nil {
				var existing MembershipRecord
				if err := json.Unmarshal(v, &existing); err != nil {
					return err
				}

				if existing.Active {
					continue
				}

				existing.Active = true
				existing.AddedBy = addedBy
				existing.RemovedBy = ""
				m = existing
			}

			data, err := json.Marshal(m)
			if err != nil {
				return err
			}

			if err := b.Put(memberKey(convID, uid), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// RemoveMembers marks the given users as removed. Removing an absent or
// already-removed member is a no-op.
func (s *Store) RemoveMembers(convID string, userIDs []string, removedBy string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(memberBucket)

		for _, uid := range userIDs {
			v := b.Get(memberKey(convID, uid))
			if v == nil {
				continue
			}

			var m MembershipRecord
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			if !m.Active {
				continue
			}

			m.Active = false
			m.RemovedBy = removedBy

			data, err := json.Marshal(m)
			if err != nil {
				return err
			}

			if err := b.Put(memberKey(convID, uid), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// SetMembers replaces the active member set of a conversation with
// exactly userIDs. Members not in the new set are marked removed;
// removed rows in the new set are reactivated.
func (s *Store) SetMembers(convID string, userIDs []string) error {
	want := make(map[string]bool, len(userIDs))
	for _, uid := range userIDs {
		want[uid] = true
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(memberBucket)
		c := b.Cursor()
		prefix := memberPrefix(convID)

		seen := make(map[string]bool)

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m MembershipRecord
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			seen[m.UserID] = true

			active := want[m.UserID]
			if m.Active == active {
				continue
			}

			m.Active = active

			data, err := json.Marshal(m)
			if err != nil {
				return err
			}

			if err := b.Put(k, data); err != nil {
				return err
			}
		}

		for _, uid := range userIDs {
			if seen[uid] {
				continue
			}

			m := MembershipRecord{ConvID: convID, UserID: uid, Active: true}

			data, err := json.Marshal(m)
			if err != nil {
				return err
			}

			if err := b.Put(memberKey(convID, uid), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// UpdateMember applies fn to a single membership row, creating it (as
// active) when absent.
func (s *Store) UpdateMember(convID, userID string, fn func(*MembershipRecord)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(memberBucket)

		m := MembershipRecord{ConvID: convID, UserID: userID, Active: true}
		if v := b.Get(memberKey(convID, userID)); v != nil {
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
		}

		fn(&m)

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return b.Put(memberKey(convID, userID), data)
	})
}

// ActiveMembers returns the ids of the conversation's active members.
func (s *Store) ActiveMembers(convID string) ([]string, error) {
	var out []string

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(memberBucket).Cursor()
		prefix := memberPrefix(convID)

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m MembershipRecord
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			if m.Active {
				out = append(out, m.UserID)
			}
		}

		return nil
	})

	return out, err
}

// GetUser returns the user with the given id, or nil if absent.
func (s *Store) GetUser(id string) (*UserRecord, error) {
	var rec *UserRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(userBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		rec = &UserRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// UpsertUser applies fn to the stored user, creating a placeholder
// record first when absent. Returns the stored record.
func (s *Store) UpsertUser(id string, fn func(*UserRecord)) (*UserRecord, error) {
	var stored UserRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(userBucket)

		stored = UserRecord{ID: id}
		if v := b.Get([]byte(id)); v != nil {
			if err := json.Unmarshal(v, &stored); err != nil {
				return err
			}
		}

		if fn != nil {
			fn(&stored)
		}

		stored.ID = id

		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
	if err != nil {
		return nil, err
	}

	return &stored, nil
}
