package file

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager tracks the transfers currently in flight on one peer.
type Manager struct {
	transfers map[string]*Transfer
	mu        sync.RWMutex
}

// NewManager creates an empty transfer registry.
func NewManager() *Manager {
	return &Manager{
		transfers: make(map[string]*Transfer),
	}
}

// Add registers a transfer under its ID.
func (m *Manager) Add(t *Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transfers[t.ID]; exists {
		return fmt.Errorf("transfer %s already registered", t.ID)
	}
	m.transfers[t.ID] = t

	logrus.WithFields(logrus.Fields{
		"function":    "Manager.Add",
		"transfer_id": t.ID,
		"file_type":   t.FileType,
		"active":      len(m.transfers),
	}).Debug("Transfer registered")

	return nil
}

// Remove forgets a transfer. Removing an unknown ID is a no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transfers, id)
}

// Len returns the number of registered transfers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transfers)
}

// Active returns snapshots of all registered transfers, oldest first.
func (m *Manager) Active() []Stats {
	m.mu.RLock()
	list := make([]*Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		list = append(list, t)
	}
	m.mu.RUnlock()

	stats := make([]Stats, 0, len(list))
	for _, t := range list {
		stats = append(stats, t.GetStats())
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].StartTime.Equal(stats[j].StartTime) {
			return stats[i].ID < stats[j].ID
		}
		return stats[i].StartTime.Before(stats[j].StartTime)
	})
	return stats
}
