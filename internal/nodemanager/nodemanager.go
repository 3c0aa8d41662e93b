// Package nodemanager maintains the authoritative in-memory view of node
// inventory, mirrored to persistent storage. Unprovisioned nodes are kept in
// the cache but removed from storage.
package nodemanager

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/samber/lo"

	"github.com/aosedge/aos-core-iam/internal/iamerrors"
	"github.com/aosedge/aos-core-iam/pkg/log"
)

// NodeStatus is the provisioning state of a node.
type NodeStatus string

const (
	// NodeStatusUnprovisioned marks a node without credentials.
	NodeStatusUnprovisioned NodeStatus = "unprovisioned"
	// NodeStatusProvisioned marks a fully provisioned node.
	NodeStatusProvisioned NodeStatus = "provisioned"
	// NodeStatusPaused marks a provisioned but paused node.
	NodeStatusPaused NodeStatus = "paused"
)

// NodeAttribute is a free-form node property.
type NodeAttribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PartitionInfo describes one storage partition of a node.
type PartitionInfo struct {
	Name      string   `json:"name"`
	Types     []string `json:"types,omitempty"`
	TotalSize uint64   `json:"totalSize"`
}

// NodeInfo is the identity and inventory record of one node.
type NodeInfo struct {
	ID         string          `json:"id"`
	Type       string          `json:"type,omitempty"`
	Name       string          `json:"name,omitempty"`
	Status     NodeStatus      `json:"status"`
	Attrs      []NodeAttribute `json:"attrs,omitempty"`
	Partitions []PartitionInfo `json:"partitions,omitempty"`
	NumCPUs    uint64          `json:"numCpus,omitempty"`
	TotalRAM   uint64          `json:"totalRam,omitempty"`
}

// Storage persists node records.
type Storage interface {
	SetNodeInfo(info NodeInfo) error
	GetNodeInfo(nodeID string) (NodeInfo, error)
	GetAllNodeIDs() ([]string, error)
	RemoveNodeInfo(nodeID string) error
}

// NodeInfoListener observes node inventory changes.
type NodeInfoListener interface {
	OnNodeInfoChange(info NodeInfo)
	OnNodeRemoved(nodeID string)
}

// NodeManager mirrors Storage into an in-memory cache and notifies a single
// registered listener about changes.
type NodeManager struct {
	mu sync.Mutex

	storage  Storage
	cache    []NodeInfo
	listener NodeInfoListener
	log      *log.PrefixLogger
}

// New creates the manager and loads all node records from storage.
func New(storage Storage, logger *log.PrefixLogger) (*NodeManager, error) {
	manager := &NodeManager{storage: storage, log: logger}

	nodeIDs, err := storage.GetAllNodeIDs()
	if err != nil {
		return nil, fmt.Errorf("reading node ids: %w", err)
	}

	for _, nodeID := range nodeIDs {
		info, err := storage.GetNodeInfo(nodeID)
		if err != nil {
			return nil, fmt.Errorf("reading node info: %w", err)
		}

		manager.cache = append(manager.cache, info)
	}

	return manager, nil
}

// SetNodeInfo updates a node record. Unprovisioned nodes are removed from
// storage but stay cached; any observable cache change is delivered to the
// listener.
func (m *NodeManager) SetNodeInfo(info NodeInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Debugf("Set node info: id = %s, status = %s", info.ID, info.Status)

	if info.Status == NodeStatusUnprovisioned {
		if err := m.storage.RemoveNodeInfo(info.ID); err != nil && !errors.Is(err, iamerrors.ErrNotFound) {
			return fmt.Errorf("removing node info: %w", err)
		}
	} else {
		if err := m.storage.SetNodeInfo(info); err != nil {
			return fmt.Errorf("storing node info: %w", err)
		}
	}

	m.updateCache(info)

	return nil
}

// SetNodeStatus updates just the status, starting from the cached record or
// a blank one when the node is unknown.
func (m *NodeManager) SetNodeStatus(nodeID string, status NodeStatus) error {
	m.mu.Lock()
	info, _ := m.getFromCache(nodeID)
	m.mu.Unlock()

	info.ID = nodeID
	info.Status = status

	return m.SetNodeInfo(info)
}

// GetNodeInfo reads a node record from the cache.
func (m *NodeManager) GetNodeInfo(nodeID string) (NodeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, found := m.getFromCache(nodeID)
	if !found {
		return NodeInfo{}, fmt.Errorf("%w: node %s", iamerrors.ErrNotFound, nodeID)
	}

	return info, nil
}

// GetAllNodeIDs lists all cached node ids.
func (m *NodeManager) GetAllNodeIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return lo.Map(m.cache, func(info NodeInfo, _ int) string { return info.ID })
}

// RemoveNodeInfo removes the node from storage and cache and notifies the
// listener. The cache mirrors storage completely, so an id missing from the
// cache is simply unknown.
func (m *NodeManager) RemoveNodeInfo(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Debugf("Remove node info: id = %s", nodeID)

	index := -1

	for i, info := range m.cache {
		if info.ID == nodeID {
			index = i

			break
		}
	}

	if index < 0 {
		return fmt.Errorf("%w: node %s", iamerrors.ErrNotFound, nodeID)
	}

	if err := m.storage.RemoveNodeInfo(nodeID); err != nil {
		return fmt.Errorf("removing node info: %w", err)
	}

	m.cache = append(m.cache[:index], m.cache[index+1:]...)

	if m.listener != nil {
		m.listener.OnNodeRemoved(nodeID)
	}

	return nil
}

// SubscribeNodeInfoChange registers the single inventory listener.
func (m *NodeManager) SubscribeNodeInfoChange(listener NodeInfoListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listener = listener
}

func (m *NodeManager) getFromCache(nodeID string) (NodeInfo, bool) {
	return lo.Find(m.cache, func(info NodeInfo) bool { return info.ID == nodeID })
}

func (m *NodeManager) updateCache(info NodeInfo) {
	for i, cached := range m.cache {
		if cached.ID == info.ID {
			if !reflect.DeepEqual(cached, info) {
				m.cache[i] = info
				m.notifyNodeInfoChange(info)
			}

			return
		}
	}

	m.cache = append(m.cache, info)
	m.notifyNodeInfoChange(info)
}

func (m *NodeManager) notifyNodeInfoChange(info NodeInfo) {
	if m.listener != nil {
		m.listener.OnNodeInfoChange(info)
	}
}
