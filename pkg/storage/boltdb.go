package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes         = []byte("nodes")
	bucketTasks         = []byte("tasks")
	bucketTasksByStatus = []byte("tasks_by_status")
	bucketTasksByNode   = []byte("tasks_by_node")
	bucketTasksByBatch  = []byte("tasks_by_batch")
	bucketTasksByKind   = []byte("tasks_by_kind")
)

// BoltStore implements Store using an embedded BoltDB file: a local,
// single-process store with secondary indexes by status, by assigned
// node, and by batch.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the database file under
// dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hakuriver.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketNodes, bucketTasks, bucketTasksByStatus, bucketTasksByNode, bucketTasksByBatch, bucketTasksByKind}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
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

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Nodes ---

func (s *BoltStore) CreateNode(node *model.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketNodes), []byte(node.Hostname), node)
	})
}

func (s *BoltStore) GetNode(hostname string) (*model.Node, error) {
	var node model.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketNodes), []byte(hostname), &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*model.Node, error) {
	var nodes []*model.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var node model.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *model.Node) error {
	return s.CreateNode(node) // upsert
}

func (s *BoltStore) DeleteNode(hostname string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(hostname))
	})
}

// --- Tasks ---

func taskKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// CreateTask writes the task record and its secondary-index entries (status
// and kind, plus assigned node and batch when set) in one transaction.
func (s *BoltStore) CreateTask(task *model.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putTask(tx, task, nil)
	})
}

// UpdateTask rewrites the task record, moving its secondary-index entries if
// its status or assigned node changed.
func (s *BoltStore) UpdateTask(task *model.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var prev model.Task
		if err := getJSON(tx.Bucket(bucketTasks), taskKey(task.ID), &prev); err != nil {
			return s.putTask(tx, task, nil)
		}
		return s.putTask(tx, task, &prev)
	})
}

func (s *BoltStore) putTask(tx *bolt.Tx, task *model.Task, prev *model.Task) error {
	if prev != nil {
		if err := removeIndexEntry(tx.Bucket(bucketTasksByStatus), indexKey(string(prev.Status)), task.ID); err != nil {
			return err
		}
		if prev.AssignedNode != "" {
			if err := removeIndexEntry(tx.Bucket(bucketTasksByNode), indexKey(prev.AssignedNode), task.ID); err != nil {
				return err
			}
		}
	}

	if err := putJSON(tx.Bucket(bucketTasks), taskKey(task.ID), task); err != nil {
		return err
	}
	if err := addIndexEntry(tx.Bucket(bucketTasksByStatus), indexKey(string(task.Status)), task.ID); err != nil {
		return err
	}
	if task.AssignedNode != "" {
		if err := addIndexEntry(tx.Bucket(bucketTasksByNode), indexKey(task.AssignedNode), task.ID); err != nil {
			return err
		}
	}
	if task.BatchID != 0 {
		if err := addIndexEntry(tx.Bucket(bucketTasksByBatch), taskKey(task.BatchID), task.ID); err != nil {
			return err
		}
	}
	if prev == nil {
		// Kind is fixed at creation and never changes, so the index only
		// needs an entry added once, never moved.
		if err := addIndexEntry(tx.Bucket(bucketTasksByKind), indexKey(string(task.Kind)), task.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) GetTask(id uint64) (*model.Task, error) {
	var task model.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketTasks), taskKey(id), &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*model.Task, error) {
	var tasks []*model.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var task model.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) ListTasksByStatus(status model.Status) ([]*model.Task, error) {
	return s.listByIndex(bucketTasksByStatus, indexKey(string(status)))
}

func (s *BoltStore) ListTasksByNode(hostname string) ([]*model.Task, error) {
	return s.listByIndex(bucketTasksByNode, indexKey(hostname))
}

func (s *BoltStore) ListTasksByBatch(batchID uint64) ([]*model.Task, error) {
	return s.listByIndex(bucketTasksByBatch, taskKey(batchID))
}

func (s *BoltStore) ListTasksByKind(kind model.TaskKind) ([]*model.Task, error) {
	return s.listByIndex(bucketTasksByKind, indexKey(string(kind)))
}

func (s *BoltStore) listByIndex(bucket, key []byte) ([]*model.Task, error) {
	var ids []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		ids = readIndexEntry(tx.Bucket(bucket), key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	tasks := make([]*model.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.GetTask(id)
		if err != nil {
			continue // index entry outlived the record; tolerate, don't fail the listing
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *BoltStore) DeleteTask(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var task model.Task
		if err := getJSON(tx.Bucket(bucketTasks), taskKey(id), &task); err == nil {
			removeIndexEntry(tx.Bucket(bucketTasksByStatus), indexKey(string(task.Status)), id)
			if task.AssignedNode != "" {
				removeIndexEntry(tx.Bucket(bucketTasksByNode), indexKey(task.AssignedNode), id)
			}
			if task.BatchID != 0 {
				removeIndexEntry(tx.Bucket(bucketTasksByBatch), taskKey(task.BatchID), id)
			}
			removeIndexEntry(tx.Bucket(bucketTasksByKind), indexKey(string(task.Kind)), id)
		}
		return tx.Bucket(bucketTasks).Delete(taskKey(id))
	})
}

// --- shared helpers ---

func indexKey(s string) []byte { return []byte(s) }

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data := b.Get(key)
	if data == nil {
		return fmt.Errorf("not found")
	}
	return json.Unmarshal(data, v)
}

// Secondary-index buckets store one JSON array of ids per index key. Indexes
// are small (one cluster's worth of non-terminal tasks per node/status) so a
// read-modify-write per mutation is simpler than a composite-key fan-out and
// keeps the index entry inside the same transaction as the record write.

func addIndexEntry(b *bolt.Bucket, key []byte, id uint64) error {
	ids := readIndexEntry(b, key)
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	return putJSON(b, key, ids)
}

func removeIndexEntry(b *bolt.Bucket, key []byte, id uint64) error {
	ids := readIndexEntry(b, key)
	filtered := ids[:0]
	for _, existing := range ids {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	if len(filtered) == 0 {
		return b.Delete(key)
	}
	return putJSON(b, key, filtered)
}

func readIndexEntry(b *bolt.Bucket, key []byte) []uint64 {
	data := b.Get(key)
	if data == nil {
		return nil
	}
	var ids []uint64
	_ = json.Unmarshal(data, &ids)
	return ids
}
