package types

// EventType identifies an engine event on the observer stream.
type EventType string

const (
	EventIterationStart EventType = "iteration-start"
	EventStreamToken    EventType = "stream-token"
	EventCodeGenerated  EventType = "code-generated"
	EventCodeResult     EventType = "code-result"
	EventSubLLMStart    EventType = "sub-llm-start"
	EventSubLLMComplete EventType = "sub-llm-complete"
	EventPageChanges    EventType = "page-changes"
	EventEnvUpdate      EventType = "env-update"
	EventLog            EventType = "log"
	EventError          EventType = "error"
	EventComplete       EventType = "complete"
)

// Event is the interface implemented by every engine event. Events are
// delivered to observers strictly in program order; Complete is always the
// last event of a task.
type Event interface {
	EventType() EventType
}

// IterationStartEvent opens iteration N of the running task.
type IterationStartEvent struct {
	Iteration int    `json:"iteration"`
	TaskGoal  string `json:"taskGoal"`
}

func (IterationStartEvent) EventType() EventType { return EventIterationStart }

// StreamTokenEvent carries one streamed model token. High-frequency; never
// persisted to the trace log.
type StreamTokenEvent struct {
	Token     string `json:"token"`
	Iteration int    `json:"iteration"`
}

func (StreamTokenEvent) EventType() EventType { return EventStreamToken }

// CodeGeneratedEvent announces an extracted code block about to execute.
type CodeGeneratedEvent struct {
	Code       string `json:"code"`
	BlockIndex int    `json:"blockIndex"`
}

func (CodeGeneratedEvent) EventType() EventType { return EventCodeGenerated }

// CodeResultEvent reports the metadata summary of an executed block.
type CodeResultEvent struct {
	Metadata   string `json:"metadata"`
	BlockIndex int    `json:"blockIndex"`
	Error      string `json:"error,omitempty"`
}

func (CodeResultEvent) EventType() EventType { return EventCodeResult }

// SubLLMStartEvent marks the start of a sub-agent run. Prompt is truncated
// to 200 characters.
type SubLLMStartEvent struct {
	Prompt       string `json:"prompt"`
	SubCallIndex int    `json:"subCallIndex"`
}

func (SubLLMStartEvent) EventType() EventType { return EventSubLLMStart }

// SubLLMCompleteEvent marks a sub-agent run finishing.
type SubLLMCompleteEvent struct {
	ResultMeta   string `json:"resultMeta"`
	SubCallIndex int    `json:"subCallIndex"`
}

func (SubLLMCompleteEvent) EventType() EventType { return EventSubLLMComplete }

// PageChangesEvent enumerates tab fields that changed since the previous
// snapshot.
type PageChangesEvent struct {
	Changes []PageChange `json:"changes"`
}

func (PageChangesEvent) EventType() EventType { return EventPageChanges }

// EnvUpdateEvent carries the JSON environment metadata shown to observers.
type EnvUpdateEvent struct {
	Metadata string `json:"metadata"`
}

func (EnvUpdateEvent) EventType() EventType { return EventEnvUpdate }

// LogEvent carries a message logged from inside the REPL.
type LogEvent struct {
	Message string `json:"message"`
}

func (LogEvent) EventType() EventType { return EventLog }

// ErrorEvent surfaces an engine-level failure.
type ErrorEvent struct {
	Error string `json:"error"`
}

func (ErrorEvent) EventType() EventType { return EventError }

// CompleteEvent terminates the event stream for a task. Final is nil when
// the task errored.
type CompleteEvent struct {
	Final any `json:"final"`
}

func (CompleteEvent) EventType() EventType { return EventComplete }
