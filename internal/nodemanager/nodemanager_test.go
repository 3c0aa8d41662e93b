package nodemanager

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
	"github.com/aosedge/aos-core-iam/pkg/log"
)

type mockStorage struct {
	nodes map[string]NodeInfo
}

func newMockStorage() *mockStorage {
	return &mockStorage{nodes: map[string]NodeInfo{}}
}

func (s *mockStorage) SetNodeInfo(info NodeInfo) error {
	s.nodes[info.ID] = info

	return nil
}

func (s *mockStorage) GetNodeInfo(nodeID string) (NodeInfo, error) {
	info, ok := s.nodes[nodeID]
	if !ok {
		return NodeInfo{}, fmt.Errorf("%w: node %s", iamerrors.ErrNotFound, nodeID)
	}

	return info, nil
}

func (s *mockStorage) GetAllNodeIDs() ([]string, error) {
	var ids []string

	for id := range s.nodes {
		ids = append(ids, id)
	}

	return ids, nil
}

func (s *mockStorage) RemoveNodeInfo(nodeID string) error {
	if _, ok := s.nodes[nodeID]; !ok {
		return fmt.Errorf("%w: node %s", iamerrors.ErrNotFound, nodeID)
	}

	delete(s.nodes, nodeID)

	return nil
}

type testListener struct {
	changed []NodeInfo
	removed []string
}

func (l *testListener) OnNodeInfoChange(info NodeInfo) { l.changed = append(l.changed, info) }
func (l *testListener) OnNodeRemoved(nodeID string)    { l.removed = append(l.removed, nodeID) }

func TestInitLoadsStorage(t *testing.T) {
	storage := newMockStorage()
	storage.nodes["node0"] = NodeInfo{ID: "node0", Status: NodeStatusProvisioned}

	manager, err := New(storage, log.NewPrefixLogger(nil, "test"))
	require.NoError(t, err)

	info, err := manager.GetNodeInfo("node0")
	require.NoError(t, err)
	assert.Equal(t, NodeStatusProvisioned, info.Status)
	assert.Equal(t, []string{"node0"}, manager.GetAllNodeIDs())
}

func TestSetNodeInfoPersistsAndNotifies(t *testing.T) {
	storage := newMockStorage()
	manager, err := New(storage, log.NewPrefixLogger(nil, "test"))
	require.NoError(t, err)

	listener := &testListener{}
	manager.SubscribeNodeInfoChange(listener)

	info := NodeInfo{ID: "node0", Status: NodeStatusProvisioned, NumCPUs: 4, TotalRAM: 1024}
	require.NoError(t, manager.SetNodeInfo(info))

	stored, ok := storage.nodes["node0"]
	require.True(t, ok)
	assert.Equal(t, info, stored)
	require.Len(t, listener.changed, 1)

	// Re-setting the identical record is not a change.
	require.NoError(t, manager.SetNodeInfo(info))
	assert.Len(t, listener.changed, 1)
}

func TestSetNodeInfoUnprovisionedRemovesFromStorage(t *testing.T) {
	storage := newMockStorage()
	manager, err := New(storage, log.NewPrefixLogger(nil, "test"))
	require.NoError(t, err)

	require.NoError(t, manager.SetNodeInfo(NodeInfo{ID: "node0", Status: NodeStatusProvisioned}))

	require.NoError(t, manager.SetNodeInfo(NodeInfo{ID: "node0", Status: NodeStatusUnprovisioned}))

	_, ok := storage.nodes["node0"]
	assert.False(t, ok)

	// The cache keeps the record with its last status.
	info, err := manager.GetNodeInfo("node0")
	require.NoError(t, err)
	assert.Equal(t, NodeStatusUnprovisioned, info.Status)
}

func TestSetNodeStatusUnknownNodeCreatesBlankRecord(t *testing.T) {
	storage := newMockStorage()
	manager, err := New(storage, log.NewPrefixLogger(nil, "test"))
	require.NoError(t, err)

	require.NoError(t, manager.SetNodeStatus("node0", NodeStatusProvisioned))

	info, err := manager.GetNodeInfo("node0")
	require.NoError(t, err)
	assert.Equal(t, NodeStatusProvisioned, info.Status)
	assert.Empty(t, info.Attrs)
}

func TestRemoveNodeInfo(t *testing.T) {
	storage := newMockStorage()
	manager, err := New(storage, log.NewPrefixLogger(nil, "test"))
	require.NoError(t, err)

	listener := &testListener{}
	manager.SubscribeNodeInfoChange(listener)

	require.NoError(t, manager.SetNodeInfo(NodeInfo{ID: "node0", Status: NodeStatusProvisioned}))
	require.NoError(t, manager.RemoveNodeInfo("node0"))

	_, err = manager.GetNodeInfo("node0")
	assert.ErrorIs(t, err, iamerrors.ErrNotFound)
	assert.Equal(t, []string{"node0"}, listener.removed)

	assert.ErrorIs(t, manager.RemoveNodeInfo("node0"), iamerrors.ErrNotFound)
}
