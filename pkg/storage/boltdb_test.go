package storage

import (
	"testing"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNodeCRUD(t *testing.T) {
	store := openTestStore(t)

	node := &model.Node{Hostname: "alpha", TotalCores: 8, Status: model.NodeOnline}
	require.NoError(t, store.CreateNode(node))

	got, err := store.GetNode("alpha")
	require.NoError(t, err)
	require.Equal(t, 8, got.TotalCores)

	node.TotalCores = 16
	require.NoError(t, store.UpdateNode(node))
	got, err = store.GetNode("alpha")
	require.NoError(t, err)
	require.Equal(t, 16, got.TotalCores)

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	require.NoError(t, store.DeleteNode("alpha"))
	_, err = store.GetNode("alpha")
	require.Error(t, err)
}

func TestTaskIndexesTrackStatusAndNode(t *testing.T) {
	store := openTestStore(t)

	task := &model.Task{ID: 1, BatchID: 100, Status: model.StatusPending, Kind: model.KindCommand}
	require.NoError(t, store.CreateTask(task))

	byStatus, err := store.ListTasksByStatus(model.StatusPending)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)

	byBatch, err := store.ListTasksByBatch(100)
	require.NoError(t, err)
	require.Len(t, byBatch, 1)

	byKind, err := store.ListTasksByKind(model.KindCommand)
	require.NoError(t, err)
	require.Len(t, byKind, 1)

	byKind, err = store.ListTasksByKind(model.KindVPS)
	require.NoError(t, err)
	require.Len(t, byKind, 0)

	task.Status = model.StatusAssigning
	task.AssignedNode = "alpha"
	require.NoError(t, store.UpdateTask(task))

	byKind, err = store.ListTasksByKind(model.KindCommand)
	require.NoError(t, err)
	require.Len(t, byKind, 1, "kind index entry survives unrelated field updates since kind never changes")

	byStatus, err = store.ListTasksByStatus(model.StatusPending)
	require.NoError(t, err)
	require.Len(t, byStatus, 0, "task should have been removed from its old status index")

	byStatus, err = store.ListTasksByStatus(model.StatusAssigning)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)

	byNode, err := store.ListTasksByNode("alpha")
	require.NoError(t, err)
	require.Len(t, byNode, 1)

	require.NoError(t, store.DeleteTask(task.ID))
	byNode, err = store.ListTasksByNode("alpha")
	require.NoError(t, err)
	require.Len(t, byNode, 0)

	byKind, err = store.ListTasksByKind(model.KindCommand)
	require.NoError(t, err)
	require.Len(t, byKind, 0)
}

func TestTaskNotFoundReturnsError(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetTask(999)
	require.Error(t, err)
}
