package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/songzhibin97/issue-workflow/storage"
)

// Table names of the execution store.
const (
	TableEntry       = "OSWorkflowEntry"
	TableCurrentStep = "OSCurrentStep"
	TableHistoryStep = "OSHistoryStep"
)

const (
	fieldName       = "name"
	fieldState      = "state"
	fieldEntry      = "entry"
	fieldStepID     = "stepId"
	fieldActionID   = "actionId"
	fieldOwner      = "owner"
	fieldCaller     = "caller"
	fieldStatus     = "status"
	fieldStartDate  = "startDate"
	fieldDueDate    = "dueDate"
	fieldFinishDate = "finishDate"
)

// EntryState is the lifecycle state of an execution entry.
type EntryState int

const (
	EntryCreated EntryState = iota
	EntryActivated
	EntrySuspended
	EntryKilled
	EntryCompleted
)

func (s EntryState) String() string {
	switch s {
	case EntryCreated:
		return "created"
	case EntryActivated:
		return "activated"
	case EntrySuspended:
		return "suspended"
	case EntryKilled:
		return "killed"
	case EntryCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Entry ties one issue to the workflow driving it.
type Entry struct {
	ID           int64
	WorkflowName string
	State        EntryState
}

// StepRecord is a current or historical step of an entry.
type StepRecord struct {
	ID         int64
	EntryID    int64
	StepID     int
	ActionID   int
	Owner      string
	Caller     string
	Status     string
	StartDate  time.Time
	DueDate    time.Time
	FinishDate time.Time
}

func timeField(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (s StepRecord) fields() map[string]string {
	return map[string]string{
		fieldEntry:      strconv.FormatInt(s.EntryID, 10),
		fieldStepID:     strconv.Itoa(s.StepID),
		fieldActionID:   strconv.Itoa(s.ActionID),
		fieldOwner:      s.Owner,
		fieldCaller:     s.Caller,
		fieldStatus:     s.Status,
		fieldStartDate:  timeField(s.StartDate),
		fieldDueDate:    timeField(s.DueDate),
		fieldFinishDate: timeField(s.FinishDate),
	}
}

func stepRecord(e storage.Entity) StepRecord {
	return StepRecord{
		ID:         e.ID,
		EntryID:    e.Int64(fieldEntry),
		StepID:     int(e.Int64(fieldStepID)),
		ActionID:   int(e.Int64(fieldActionID)),
		Owner:      e.Get(fieldOwner),
		Caller:     e.Get(fieldCaller),
		Status:     e.Get(fieldStatus),
		StartDate:  parseTime(e.Get(fieldStartDate)),
		DueDate:    parseTime(e.Get(fieldDueDate)),
		FinishDate: parseTime(e.Get(fieldFinishDate)),
	}
}

// ExecutionStore persists execution entries and their steps.
type ExecutionStore struct {
	store storage.EntityStore
}

// NewExecutionStore creates an execution store over store.
func NewExecutionStore(store storage.EntityStore) *ExecutionStore {
	return &ExecutionStore{store: store}
}

// CreateEntry starts a new entry for workflowName.
func (s *ExecutionStore) CreateEntry(ctx context.Context, workflowName string) (Entry, error) {
	row, err := s.store.Create(ctx, TableEntry, map[string]string{
		fieldName:  workflowName,
		fieldState: strconv.Itoa(int(EntryCreated)),
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to create workflow entry: %w", err)
	}
	return Entry{ID: row.ID, WorkflowName: workflowName, State: EntryCreated}, nil
}

// Entry returns the entry with id.
func (s *ExecutionStore) Entry(ctx context.Context, id int64) (Entry, error) {
	row, err := s.store.Get(ctx, TableEntry, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	if err != nil {
		return Entry{}, err
	}
	return Entry{ID: row.ID, WorkflowName: row.Get(fieldName), State: EntryState(row.Int64(fieldState))}, nil
}

// SetState moves an entry to state.
func (s *ExecutionStore) SetState(ctx context.Context, id int64, state EntryState) error {
	n, err := s.store.UpdateWhere(ctx, TableEntry, map[string]string{fieldState: strconv.Itoa(int(state))}, storage.Filter{storage.IDField: strconv.FormatInt(id, 10)})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	return nil
}

// RenameWorkflow points every entry of oldName at newName.
func (s *ExecutionStore) RenameWorkflow(ctx context.Context, oldName, newName string) (int, error) {
	return s.store.UpdateWhere(ctx, TableEntry, map[string]string{fieldName: newName}, storage.Filter{fieldName: oldName})
}

// CountEntries returns how many entries run on workflowName.
func (s *ExecutionStore) CountEntries(ctx context.Context, workflowName string) (int, error) {
	rows, err := s.store.Find(ctx, TableEntry, storage.Filter{fieldName: workflowName})
	return len(rows), err
}

// CurrentSteps returns the current steps of an entry ordered by id.
func (s *ExecutionStore) CurrentSteps(ctx context.Context, entryID int64) ([]StepRecord, error) {
	rows, err := storage.Related(ctx, s.store, TableCurrentStep, fieldEntry, entryID)
	if err != nil {
		return nil, err
	}
	out := make([]StepRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, stepRecord(row))
	}
	return out, nil
}

// CurrentStep returns the current step of an entry.
func (s *ExecutionStore) CurrentStep(ctx context.Context, entryID int64) (StepRecord, error) {
	steps, err := s.CurrentSteps(ctx, entryID)
	if err != nil {
		return StepRecord{}, err
	}
	if len(steps) == 0 {
		return StepRecord{}, fmt.Errorf("%w: entry %d", ErrNoCurrentStep, entryID)
	}
	return steps[0], nil
}

// CreateCurrentStep records a new current step.
func (s *ExecutionStore) CreateCurrentStep(ctx context.Context, rec StepRecord) (StepRecord, error) {
	row, err := s.store.Create(ctx, TableCurrentStep, rec.fields())
	if err != nil {
		return StepRecord{}, fmt.Errorf("failed to create current step: %w", err)
	}
	rec.ID = row.ID
	return rec, nil
}

// MoveToHistory archives a current step as finished by actionID.
func (s *ExecutionStore) MoveToHistory(ctx context.Context, rec StepRecord, actionID int, caller string, finishedAt time.Time) (StepRecord, error) {
	if _, err := s.store.Remove(ctx, TableCurrentStep, rec.ID); err != nil {
		return StepRecord{}, fmt.Errorf("failed to remove current step %d: %w", rec.ID, err)
	}
	rec.ActionID = actionID
	rec.Caller = caller
	rec.FinishDate = finishedAt
	row, err := s.store.Create(ctx, TableHistoryStep, rec.fields())
	if err != nil {
		return StepRecord{}, fmt.Errorf("failed to archive step: %w", err)
	}
	rec.ID = row.ID
	return rec, nil
}

// History returns the finished steps of an entry, oldest first.
func (s *ExecutionStore) History(ctx context.Context, entryID int64) ([]StepRecord, error) {
	rows, err := storage.Related(ctx, s.store, TableHistoryStep, fieldEntry, entryID)
	if err != nil {
		return nil, err
	}
	out := make([]StepRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, stepRecord(row))
	}
	return out, nil
}
