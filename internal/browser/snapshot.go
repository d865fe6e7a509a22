package browser

import (
	"context"
	"sort"

	"rlm/pkg/types"
)

// Snapshotter captures per-tab {url, title, status} state and diffs it
// against the previous capture. Tabs present on only one side are ignored:
// creation and closure are not page changes.
type Snapshotter struct {
	driver Driver
	last   types.Snapshot
}

// NewSnapshotter wraps a driver.
func NewSnapshotter(driver Driver) *Snapshotter {
	return &Snapshotter{driver: driver, last: types.Snapshot{}}
}

// Capture records the current tab state as the new baseline.
func (s *Snapshotter) Capture(ctx context.Context) error {
	snap, err := s.capture(ctx)
	if err != nil {
		return err
	}
	s.last = snap
	return nil
}

// Diff returns field-level changes since the last capture, then replaces
// the baseline with the current state.
func (s *Snapshotter) Diff(ctx context.Context) ([]types.PageChange, error) {
	current, err := s.capture(ctx)
	if err != nil {
		return nil, err
	}
	changes := DiffSnapshots(s.last, current)
	s.last = current
	return changes, nil
}

func (s *Snapshotter) capture(ctx context.Context) (types.Snapshot, error) {
	tabs, err := s.driver.ListTabs(ctx)
	if err != nil {
		return nil, err
	}
	snap := make(types.Snapshot, len(tabs))
	for _, tab := range tabs {
		snap[tab.ID] = types.TabState{URL: tab.URL, Title: tab.Title, Status: tab.Status}
	}
	return snap, nil
}

// DiffSnapshots compares two snapshots field by field. Output ordering is
// deterministic: tab ids sorted, fields in url/title/status order.
func DiffSnapshots(prev, current types.Snapshot) []types.PageChange {
	ids := make([]string, 0, len(current))
	for tabID := range current {
		if _, ok := prev[tabID]; ok {
			ids = append(ids, tabID)
		}
	}
	sort.Strings(ids)

	var changes []types.PageChange
	for _, tabID := range ids {
		old, now := prev[tabID], current[tabID]
		if old.URL != now.URL {
			changes = append(changes, types.PageChange{TabID: tabID, Field: types.FieldURL, Old: old.URL, New: now.URL})
		}
		if old.Title != now.Title {
			changes = append(changes, types.PageChange{TabID: tabID, Field: types.FieldTitle, Old: old.Title, New: now.Title})
		}
		if old.Status != now.Status {
			changes = append(changes, types.PageChange{TabID: tabID, Field: types.FieldStatus, Old: old.Status, New: now.Status})
		}
	}
	return changes
}
