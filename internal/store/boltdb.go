package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks     = []byte("tasks")
	bucketNodes     = []byte("nodes")
	bucketSnapshots = []byte("snapshots")
	bucketMeta      = []byte("meta")
)

const metaKeyIDGenFloor = "idgen_epoch_floor_ms"

// BoltStore implements Store on top of a single BoltDB file: one bucket
// per entity, JSON-marshaled values.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the database file
// "kohakuriver.db" under dataDir and ensures all buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "kohakuriver.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketNodes, bucketSnapshots, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func taskKey(taskID int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(taskID))
	return buf
}

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put(taskKey(task.TaskID), data)
	})
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task)
}

func (s *BoltStore) GetTask(taskID int64) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(taskKey(taskID))
		if data == nil {
			return fmt.Errorf("task not found: %d", taskID)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
	return tasks, nil
}

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(node.Hostname), data)
	})
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.CreateNode(node)
}

func (s *BoltStore) GetNode(hostname string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(hostname))
		if data == nil {
			return fmt.Errorf("node not found: %s", hostname)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) DeleteNode(hostname string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(hostname))
	})
}

func snapshotKey(taskID int64, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%d/%020d", taskID, timestamp))
}

func (s *BoltStore) CreateSnapshot(snap *types.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).Put(snapshotKey(snap.TaskID, snap.Timestamp.Unix()), data)
	})
}

func (s *BoltStore) ListSnapshotsByTask(taskID int64) ([]*types.Snapshot, error) {
	prefix := []byte(fmt.Sprintf("%d/", taskID))
	var snaps []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var snap types.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			snaps = append(snaps, &snap)
		}
		return nil
	})
	return snaps, err
}

func (s *BoltStore) DeleteOldestSnapshot(taskID int64) error {
	prefix := []byte(fmt.Sprintf("%d/", taskID))
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		k, _ := c.Seek(prefix)
		if k == nil || !hasPrefix(k, prefix) {
			return fmt.Errorf("no snapshots for task %d", taskID)
		}
		return tx.Bucket(bucketSnapshots).Delete(k)
	})
}

func (s *BoltStore) DeleteSnapshot(taskID int64, timestamp int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete(snapshotKey(taskID, timestamp))
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) SaveIDGenEpochFloor(millis int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(metaKeyIDGenFloor), []byte(strconv.FormatInt(millis, 10)))
	})
}

func (s *BoltStore) LoadIDGenEpochFloor() (int64, error) {
	var millis int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte(metaKeyIDGenFloor))
		if data == nil {
			millis = 0
			return nil
		}
		v, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return err
		}
		millis = v
		return nil
	})
	return millis, err
}
