// Package browser defines the driver contract the engine consumes, the tab
// snapshot/diff logic, and an in-memory driver used by tests and demos.
//
// The production driver (an embedding browser shell) lives outside this
// module; everything here is written against the Driver interface only.
package browser

import (
	"context"
	"errors"
	"time"

	"rlm/pkg/types"
)

// ErrTabNotFound is returned for operations on unknown tab ids.
var ErrTabNotFound = errors.New("tab not found")

// ErrWaitTimeout is returned when a load/selector wait expires.
var ErrWaitTimeout = errors.New("wait timed out")

// Driver is the browser-side contract. Exec results must be
// JSON-serializable; oversize handling happens on the engine side.
type Driver interface {
	// Exec runs code in the tab's page context and returns its
	// JSON-serializable result.
	Exec(ctx context.Context, tabID, code string) (any, error)

	OpenTab(ctx context.Context, url string) (string, error)
	CloseTab(ctx context.Context, tabID string) error
	Navigate(ctx context.Context, tabID, url string) error
	SwitchTab(ctx context.Context, tabID string) error

	WaitForLoad(ctx context.Context, tabID string, timeout time.Duration) error
	WaitForSelector(ctx context.Context, tabID, selector string, timeout time.Duration) error

	ListTabs(ctx context.Context) ([]types.TabInfo, error)
	ActiveTabID(ctx context.Context) (string, error)
}
