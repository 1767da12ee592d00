// Package storage is the embedded, single-writer persistent store for
// HakuRiver's Node and Task tables. Only the coordinator writes; every other
// reader takes a short consistent snapshot.
package storage

import "github.com/KohakuBlueleaf/HakuRiver/pkg/model"

// Store defines the interface for cluster state storage, implemented by a
// BoltDB-backed store.
type Store interface {
	// Nodes
	CreateNode(node *model.Node) error
	GetNode(hostname string) (*model.Node, error)
	ListNodes() ([]*model.Node, error)
	UpdateNode(node *model.Node) error
	DeleteNode(hostname string) error

	// Tasks
	CreateTask(task *model.Task) error
	GetTask(id uint64) (*model.Task, error)
	ListTasks() ([]*model.Task, error)
	ListTasksByStatus(status model.Status) ([]*model.Task, error)
	ListTasksByNode(hostname string) ([]*model.Task, error)
	ListTasksByBatch(batchID uint64) ([]*model.Task, error)
	ListTasksByKind(kind model.TaskKind) ([]*model.Task, error)
	UpdateTask(task *model.Task) error
	DeleteTask(id uint64) error

	Close() error
}
