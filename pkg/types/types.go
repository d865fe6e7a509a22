// Package types holds the shared domain model of the RLM engine: tasks,
// iteration records, tab snapshots and the typed event payloads streamed to
// observers.
package types

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskIdle      TaskStatus = "idle"
	TaskRunning   TaskStatus = "running"
	TaskComplete  TaskStatus = "complete"
	TaskCancelled TaskStatus = "cancelled"
	TaskError     TaskStatus = "error"
)

// Task is the unit of work processed by the engine. The user message is
// immutable once submitted; exactly one task runs per engine instance.
type Task struct {
	ID            string            `json:"id"`
	UserMessage   string            `json:"userMessage"`
	MaxIterations int               `json:"maxIterations"`
	MaxSubCalls   int               `json:"maxSubCalls"`
	Status        TaskStatus        `json:"status"`
	StartTime     time.Time         `json:"startTime"`
	Iterations    []IterationRecord `json:"iterations"`
}

// IterationRecord captures one model->execute cycle.
type IterationRecord struct {
	Index        int           `json:"index"` // 1-based
	StartTime    time.Time     `json:"startTime"`
	Duration     time.Duration `json:"duration"`
	Blocks       []BlockResult `json:"blocks"`
	Summary      string        `json:"summary"`      // one-liner intent
	FullMetadata string        `json:"fullMetadata"` // used in history
	PageChanges  []PageChange  `json:"pageChanges,omitempty"`
}

// BlockResult is a single executed code block. Metadata is a structural
// summary only; raw execution output never leaves the REPL boundary.
type BlockResult struct {
	Code     string `json:"code"`
	Metadata string `json:"metadata"`
	Error    string `json:"error,omitempty"`
}

// TabInfo is the driver's view of one browser tab.
type TabInfo struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Favicon string `json:"favicon,omitempty"`
}

// TabState is the subset of tab fields tracked between snapshots.
type TabState struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Snapshot maps tab id to its observed state at a point in time.
type Snapshot map[string]TabState

// PageChangeField names a tab field that changed between snapshots.
type PageChangeField string

const (
	FieldURL    PageChangeField = "url"
	FieldTitle  PageChangeField = "title"
	FieldStatus PageChangeField = "status"
)

// PageChange records one changed tab field between two snapshots.
type PageChange struct {
	TabID string          `json:"tabId"`
	Field PageChangeField `json:"field"`
	Old   string          `json:"old"`
	New   string          `json:"new"`
}

// TaskState is the externally visible engine state returned by GetState.
type TaskState struct {
	Status        TaskStatus `json:"status"`
	UserMessage   string     `json:"userMessage,omitempty"`
	Iteration     int        `json:"iteration"`
	MaxIterations int        `json:"maxIterations"`
	SubCallsUsed  int        `json:"subCallsUsed"`
	MaxSubCalls   int        `json:"maxSubCalls"`
}

// BatchResultStatus mirrors JavaScript allSettled element states.
type BatchResultStatus string

const (
	BatchFulfilled BatchResultStatus = "fulfilled"
	BatchRejected  BatchResultStatus = "rejected"
)

// BatchResult is one element of an llm_batch response.
type BatchResult struct {
	Status BatchResultStatus `json:"status"`
	Value  string            `json:"value,omitempty"`
	Error  string            `json:"error,omitempty"`
}
