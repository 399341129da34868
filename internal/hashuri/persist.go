package hashuri

import (
	"encoding/json"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// Store persists published entries so hash URIs embedded in pages cached by
// clients survive a process restart.
type Store struct {
	db *leveldb.DB
}

type persistedEntry struct {
	HashKey      string `json:"hash_key"`
	LastModified int64  `json:"last_modified"`
	MaxAgeMS     int64  `json:"max_age_ms"`
	RefreshedAt  int64  `json:"refreshed_at"`
}

func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Put(e Entry) error {
	if s == nil || s.db == nil {
		return nil
	}
	data, err := json.Marshal(persistedEntry{
		HashKey:      e.HashKey,
		LastModified: e.LastModified.Unix(),
		MaxAgeMS:     e.MaxAge.Milliseconds(),
		RefreshedAt:  e.RefreshedAt.Unix(),
	})
	if err != nil {
		return err
	}
	return s.db.Put([]byte(e.OriginalPath), data, nil)
}

func (s *Store) Delete(originalPath string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Delete([]byte(originalPath), nil)
}

// Load replays every persisted entry into fn. Undecodable records are
// skipped.
func (s *Store) Load(fn func(Entry)) error {
	if s == nil || s.db == nil {
		return nil
	}
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		var p persistedEntry
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			continue
		}
		fn(Entry{
			OriginalPath: string(iter.Key()),
			HashKey:      p.HashKey,
			LastModified: time.Unix(p.LastModified, 0),
			MaxAge:       time.Duration(p.MaxAgeMS) * time.Millisecond,
			RefreshedAt:  time.Unix(p.RefreshedAt, 0),
		})
	}
	return iter.Error()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
