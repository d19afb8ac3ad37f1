package crawler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidState is returned when a control operation is invoked in a
	// state that does not allow it.
	ErrInvalidState = errors.New("invalid job state")
	// ErrAlreadyRunning is returned by Start while a job is still active.
	ErrAlreadyRunning = errors.New("job already running")
)

// CandidateRef is an opaque reference to one discoverable item, usually the
// item's detail URL.
type CandidateRef string

// Identity is the (source, external id) key used to decide whether an item is
// already known to the Store.
type Identity struct {
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.Source == "" && i.ExternalID == ""
}

func (i Identity) String() string {
	return i.Source + ":" + i.ExternalID
}

// Candidate pairs a reference with its resolved identity.
type Candidate struct {
	Ref      CandidateRef `json:"ref"`
	Identity Identity     `json:"identity"`
}

// Record is the structured result of extracting one item. The orchestrator
// only inspects Identity; everything else belongs to the Store.
type Record struct {
	Identity    Identity          `json:"identity"`
	URL         string            `json:"url"`
	Fields      map[string]string `json:"fields,omitempty"`
	RawURI      string            `json:"raw_uri,omitempty"`
	ExtractedAt time.Time         `json:"extracted_at"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// JobConfig is the immutable input to one job run.
type JobConfig struct {
	// CatalogURL labels the run; the orchestrator itself never fetches it.
	CatalogURL string `json:"catalog_url,omitempty"`
	// InterItemDelay paces the processing loop between items.
	InterItemDelay time.Duration `json:"inter_item_delay"`
	// DiscoveryStabilityThreshold is the number of consecutive snapshots that
	// must agree on the candidate set before discovery stops. A snapshot that
	// adds refs starts a new streak at 1, so a threshold of 1 stops after the
	// first snapshot without ever calling Advance.
	DiscoveryStabilityThreshold int `json:"discovery_stability_threshold"`
	// MaxDiscoveryRounds caps the number of Advance calls.
	MaxDiscoveryRounds int `json:"max_discovery_rounds"`
	// MaxItems caps the number of items processed in the initial pass; 0 means unlimited.
	MaxItems int `json:"max_items"`
	// SettleDelay is the wait after each Advance before the next snapshot.
	SettleDelay time.Duration `json:"settle_delay"`
}

// Validate enforces the basic bounds of a JobConfig.
func (c JobConfig) Validate() error {
	if c.DiscoveryStabilityThreshold < 1 {
		return fmt.Errorf("discovery_stability_threshold must be >= 1")
	}
	if c.MaxDiscoveryRounds < 0 {
		return fmt.Errorf("max_discovery_rounds must be >= 0")
	}
	if c.MaxItems < 0 {
		return fmt.Errorf("max_items must be >= 0")
	}
	if c.InterItemDelay < 0 || c.SettleDelay < 0 {
		return fmt.Errorf("delays must be >= 0")
	}
	return nil
}

// JobState is the lifecycle state of a job orchestrator.
type JobState string

// Supported job states.
const (
	StateIdle        JobState = "idle"
	StateDiscovering JobState = "discovering"
	StateProcessing  JobState = "processing"
	StatePaused      JobState = "paused"
	StateCompleted   JobState = "completed"
	StateStopped     JobState = "stopped"
)

// IsTerminal reports whether no further work happens without a new Start or RetryFailed.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateStopped
}

// IsActive reports whether a job loop owns the orchestrator.
func (s JobState) IsActive() bool {
	return s == StateDiscovering || s == StateProcessing || s == StatePaused
}

// Event names the state-affecting occurrence that produced a snapshot.
type Event string

// Snapshot events.
const (
	EventJobStarted     Event = "job_started"
	EventDiscoveryRound Event = "discovery_round"
	EventDiscoveryDone  Event = "discovery_done"
	EventDedupDone      Event = "dedup_done"
	EventItemProcessed  Event = "item_processed"
	EventPaused         Event = "paused"
	EventResumed        Event = "resumed"
	EventRetryStarted   Event = "retry_started"
	EventJobCompleted   Event = "job_completed"
	EventJobStopped     Event = "job_stopped"
)

// DiscoveryOutcome records why discovery ended.
type DiscoveryOutcome string

// Discovery outcomes.
const (
	DiscoveryConverged DiscoveryOutcome = "converged"
	DiscoveryRoundCap  DiscoveryOutcome = "round_cap"
	DiscoveryStopped   DiscoveryOutcome = "stopped"
)

// JobRunSnapshot is an immutable copy of a job run handed to progress sinks
// and API callers.
type JobRunSnapshot struct {
	JobID      string   `json:"job_id"`
	CatalogURL string   `json:"catalog_url,omitempty"`
	State      JobState `json:"state"`
	Event      Event    `json:"event,omitempty"`
	// Pass is 0 for the initial run and n for the nth RetryFailed.
	Pass int `json:"pass"`

	DiscoveryRounds  int              `json:"discovery_rounds"`
	DiscoveryOutcome DiscoveryOutcome `json:"discovery_outcome,omitempty"`

	DiscoveredCount int `json:"discovered_count"`
	UnresolvedCount int `json:"unresolved_count"`
	DuplicateCount  int `json:"duplicate_count"`
	SkippedCount    int `json:"skipped_count"`
	TotalToProcess  int `json:"total_to_process"`
	DeferredCount   int `json:"deferred_count"`
	ProcessedCount  int `json:"processed_count"`
	SucceededCount  int `json:"succeeded_count"`
	FailedCount     int `json:"failed_count"`

	FailureQueue []CandidateRef `json:"failure_queue"`
	Succeeded    []Record       `json:"succeeded"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// At is when the snapshot was taken.
	At time.Time `json:"at"`
}

// Clone returns a deep copy so receivers can never alias orchestrator state.
func (s JobRunSnapshot) Clone() JobRunSnapshot {
	out := s
	out.FailureQueue = append([]CandidateRef{}, s.FailureQueue...)
	out.Succeeded = make([]Record, len(s.Succeeded))
	for i, rec := range s.Succeeded {
		out.Succeeded[i] = rec.Clone()
	}
	return out
}
