package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Mode determines which pipeline stages run for a job.
type Mode string

const (
	ModeEditOnly Mode = "edit_only"
	ModeSwapOnly Mode = "swap_only"
	ModeBoth     Mode = "both"
)

// MaxFaces is the maximum number of face references accepted per job.
const MaxFaces = 4

// Status enumerates job lifecycle states.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusEditing    Status = "editing"
	StatusEdited     Status = "edited"
	StatusSwapping   Status = "swapping"
	StatusFinalizing Status = "finalizing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// WebhookState tracks the delivery state of the terminal webhook.
type WebhookState string

const (
	WebhookStatePending WebhookState = "pending"
	WebhookStateSent    WebhookState = "sent"
	WebhookStateFailed  WebhookState = "failed"
)

// FaceRef points at a single source face image. References with an
// empty URL are skipped at swap time but keep their request-order
// position index.
type FaceRef struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url"`
}

// Job is the unit of work tracked through the pipeline.
type Job struct {
	ID           string
	Mode         Mode
	Status       Status
	Progress     int
	InputURL     string
	Faces        []FaceRef
	Params       Params
	Degraded     bool
	ResultURL    string
	Error        string
	WebhookURL   string
	WebhookState WebhookState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Event is one append-only audit log entry for a job.
type Event struct {
	ID    int64
	JobID string
	Name  string
	At    time.Time
}

// Terminal reports whether no further status transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// transitions holds the legal state machine edges. failed is reachable
// from every non-terminal state and is handled separately.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusEditing, StatusSwapping},
	StatusEditing:    {StatusEdited},
	StatusEdited:     {StatusSwapping, StatusFinalizing, StatusDone},
	StatusSwapping:   {StatusFinalizing},
	StatusFinalizing: {StatusDone},
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stageOrder is the canonical stage ordering used to derive progress.
var stageOrder = []Status{
	StatusQueued,
	StatusEditing,
	StatusEdited,
	StatusSwapping,
	StatusFinalizing,
	StatusDone,
}

// ProgressFor derives the 0-100 progress value from a status's
// position in the canonical stage ordering. Returns -1 for failed,
// meaning the previous value must be kept.
func ProgressFor(s Status) int {
	if s == StatusFailed {
		return -1
	}
	for i, st := range stageOrder {
		if st == s {
			return 100 * i / (len(stageOrder) - 1)
		}
	}
	return 0
}

// NewJobID generates a sortable job identifier: a timestamp prefix
// plus a short random suffix, e.g. 20250831-142501-a3f9c1.
func NewJobID() string {
	return fmt.Sprintf("%s-%s",
		time.Now().UTC().Format("20060102-150405"),
		uuid.NewString()[:6],
	)
}

// ValidMode reports whether m is a supported job mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeEditOnly, ModeSwapOnly, ModeBoth:
		return true
	}
	return false
}

// IncludesEdit reports whether the mode runs the edit stage.
func (m Mode) IncludesEdit() bool {
	return m == ModeEditOnly || m == ModeBoth
}

// IncludesSwap reports whether the mode may run the swap stage.
func (m Mode) IncludesSwap() bool {
	return m == ModeSwapOnly || m == ModeBoth
}
