/*Package history keeps a record of script runs, test case reports and
observation id counters in a bbolt database.

A Store is both a script.ObsIDSource and a script.TestCaseSink, so the
host hands the same Store to every block script through scripts.Env.
*/
package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lsst-ts/stdscripts/script"
)

// ErrNotFound is returned by Get for an index never stored
var ErrNotFound = errors.New("history: not found")

var (
	bucketRuns      = []byte("runs")
	bucketTestCases = []byte("testcases")
	bucketObsIDs    = []byte("obsids")
)

// Run is the record of one script run
type Run struct {
	script.Info
	Config string `json:"config,omitempty"`
}

// Store is a bbolt backed run history
type Store struct {
	db *bolt.DB

	// Now dates observation ids; time.Now when nil
	Now func() time.Time
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketTestCases, bucketObsIDs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func runKey(index int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(index))
	return k
}

// Put stores r, replacing any earlier record of the same index
func (s *Store) Put(r Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put(runKey(r.Index), data)
	})
}

// Get returns the run of a script index
func (s *Store) Get(index int) (Run, error) {
	var r Run
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get(runKey(index))
		if data == nil {
			return fmt.Errorf("run %d: %w", index, ErrNotFound)
		}
		return json.Unmarshal(data, &r)
	})
	return r, err
}

// List returns every run ordered by index
func (s *Store) List() ([]Run, error) {
	var runs []Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		runs = make([]Run, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var r Run
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			runs = append(runs, r)
			return nil
		})
	})
	return runs, err
}

// SaveTestCase stores a test case report under its script index and
// execution
func (s *Store) SaveTestCase(ctx context.Context, r script.TestCaseReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := append(runKey(r.Index), []byte(r.Execution)...)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTestCases).Put(key, data)
	})
}

// TestCases returns the reports saved by the script with index
func (s *Store) TestCases(index int) ([]script.TestCaseReport, error) {
	var out []script.TestCaseReport
	prefix := runKey(index)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTestCases).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, v = c.Next() {
			var r script.TestCaseReport
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// NextObsID returns the next observation id of a BLOCK ticket for
// today, BL<ticket>_O_<YYYYMMDD>_<seq>.  Sequences restart every day.
func (s *Store) NextObsID(ctx context.Context, ticket int) (string, error) {
	day := s.now().UTC().Format("20060102")
	key := []byte(strconv.Itoa(ticket) + "/" + day)
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObsIDs)
		if v := b.Get(key); v != nil {
			seq = binary.BigEndian.Uint64(v)
		}
		seq++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, seq)
		return b.Put(key, buf)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("BL%d_O_%s_%06d", ticket, day, seq), nil
}

var (
	_ script.ObsIDSource  = (*Store)(nil)
	_ script.TestCaseSink = (*Store)(nil)
)
