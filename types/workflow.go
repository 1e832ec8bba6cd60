package types

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// StayOnStep is the destination id a result uses to keep the issue on its originating step.
const StayOnStep = -1

// Meta attribute keys stored on graphs and actions.
const (
	MetaUpdateAuthor   = "jira.update.author.key"
	MetaUpdatedDate    = "jira.updated.date"
	MetaDescription    = "jira.description"
	MetaSequence       = "opsbar-sequence"
	MetaPermission     = "jira.permission"
	MetaFieldScreen    = "jira.fieldscreen.id"
	MetaI18nSubmit     = "jira.i18n.submit"
	MetaIssueEditable  = "jira.issue.editable"
	MetaStatusID       = "jira.status.id"
	RestrictionAnd     = "AND"
	RestrictionOr      = "OR"
	ResultStatusClosed = "Closed"
)

// WorkflowKind tags a graph with where it came from.
type WorkflowKind int

const (
	KindConfigurable WorkflowKind = iota
	KindSystem
	KindDraft
)

func (k WorkflowKind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindDraft:
		return "draft"
	default:
		return "configurable"
	}
}

// Editable reports whether graphs of this kind may be modified.
func (k WorkflowKind) Editable() bool { return k != KindSystem }

// IsDraft reports whether the kind is a draft working copy.
func (k WorkflowKind) IsDraft() bool { return k == KindDraft }

// FunctionSpec names a registered condition, validator or post-function and its arguments.
type FunctionSpec struct {
	Type string            `json:"type" yaml:"type"`
	Args map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// Arg returns the named argument or "".
func (f FunctionSpec) Arg(name string) string {
	if f.Args == nil {
		return ""
	}
	return f.Args[name]
}

// Restriction is a set of conditions combined with AND or OR.
type Restriction struct {
	Operator   string         `json:"operator,omitempty" yaml:"operator,omitempty"`
	Conditions []FunctionSpec `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Empty reports whether the restriction carries no conditions.
func (r *Restriction) Empty() bool {
	return r == nil || len(r.Conditions) == 0
}

// ConditionalResult routes an action to Step when Guard and Conditions hold.
type ConditionalResult struct {
	Guard      string       `json:"guard,omitempty" yaml:"guard,omitempty"`
	Conditions *Restriction `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Step       int          `json:"step" yaml:"step"`
}

// Result is the unconditional destination of an action.
type Result struct {
	Step   int    `json:"step" yaml:"step"`
	Status string `json:"status,omitempty" yaml:"status,omitempty"`
}

// Action is a transition between steps.
type Action struct {
	ID                  int                 `json:"id" yaml:"id"`
	Name                string              `json:"name" yaml:"name"`
	View                string              `json:"view,omitempty" yaml:"view,omitempty"`
	Restriction         *Restriction        `json:"restriction,omitempty" yaml:"restriction,omitempty"`
	Validators          []FunctionSpec      `json:"validators,omitempty" yaml:"validators,omitempty"`
	ConditionalResults  []ConditionalResult `json:"conditionalResults,omitempty" yaml:"conditionalResults,omitempty"`
	UnconditionalResult Result              `json:"unconditionalResult" yaml:"unconditionalResult"`
	PostFunctions       []FunctionSpec      `json:"postFunctions,omitempty" yaml:"postFunctions,omitempty"`
	Meta                map[string]string   `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Sequence returns the ordering hint stored in the action meta attributes.
func (a Action) Sequence() (int, bool) {
	v, ok := a.Meta[MetaSequence]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Step is a node of the graph, linked to exactly one status.
type Step struct {
	ID              int               `json:"id" yaml:"id"`
	Name            string            `json:"name" yaml:"name"`
	LinkedStatusID  string            `json:"linkedStatusId" yaml:"linkedStatusId"`
	Actions         []Action          `json:"actions,omitempty" yaml:"actions,omitempty"`
	CommonActionIDs []int             `json:"commonActionIds,omitempty" yaml:"commonActionIds,omitempty"`
	Meta            map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// ActionKind classifies an action by the set it belongs to.
type ActionKind int

const (
	ActionUnknown ActionKind = iota
	ActionInitial
	ActionGlobal
	ActionCommon
	ActionOrdinary
)

// WorkflowGraph is one named workflow definition.
type WorkflowGraph struct {
	Name           string            `json:"name" yaml:"name"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	Steps          []Step            `json:"steps" yaml:"steps"`
	InitialActions []Action          `json:"initialActions" yaml:"initialActions"`
	GlobalActions  []Action          `json:"globalActions,omitempty" yaml:"globalActions,omitempty"`
	CommonActions  map[int]Action    `json:"commonActions,omitempty" yaml:"commonActions,omitempty"`
	Meta           map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Step looks up a step by id.
func (g *WorkflowGraph) Step(id int) (Step, bool) {
	for _, s := range g.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// StepForStatus returns the first step linked to statusID.
func (g *WorkflowGraph) StepForStatus(statusID string) (Step, bool) {
	for _, s := range g.Steps {
		if s.LinkedStatusID == statusID {
			return s, true
		}
	}
	return Step{}, false
}

// LinkedStatusIDs returns the status ids used by the graph in step order.
func (g *WorkflowGraph) LinkedStatusIDs() []string {
	ids := make([]string, 0, len(g.Steps))
	seen := make(map[string]bool, len(g.Steps))
	for _, s := range g.Steps {
		if s.LinkedStatusID != "" && !seen[s.LinkedStatusID] {
			seen[s.LinkedStatusID] = true
			ids = append(ids, s.LinkedStatusID)
		}
	}
	return ids
}

// Action looks up an action by id across initial, global, common and step actions.
func (g *WorkflowGraph) Action(id int) (Action, bool) {
	for _, a := range g.InitialActions {
		if a.ID == id {
			return a, true
		}
	}
	for _, a := range g.GlobalActions {
		if a.ID == id {
			return a, true
		}
	}
	if a, ok := g.CommonActions[id]; ok {
		return a, true
	}
	for _, s := range g.Steps {
		for _, a := range s.Actions {
			if a.ID == id {
				return a, true
			}
		}
	}
	return Action{}, false
}

// Classify reports which action set id belongs to.
func (g *WorkflowGraph) Classify(id int) ActionKind {
	for _, a := range g.InitialActions {
		if a.ID == id {
			return ActionInitial
		}
	}
	for _, a := range g.GlobalActions {
		if a.ID == id {
			return ActionGlobal
		}
	}
	if _, ok := g.CommonActions[id]; ok {
		return ActionCommon
	}
	for _, s := range g.Steps {
		for _, a := range s.Actions {
			if a.ID == id {
				return ActionOrdinary
			}
		}
	}
	return ActionUnknown
}

// ActionsFrom returns the ordinary, common and global actions reachable from step id.
func (g *WorkflowGraph) ActionsFrom(stepID int) []Action {
	s, ok := g.Step(stepID)
	if !ok {
		return nil
	}
	out := make([]Action, 0, len(s.Actions)+len(s.CommonActionIDs)+len(g.GlobalActions))
	out = append(out, s.Actions...)
	for _, id := range s.CommonActionIDs {
		if a, ok := g.CommonActions[id]; ok {
			out = append(out, a)
		}
	}
	out = append(out, g.GlobalActions...)
	return out
}

// AllActions returns every action of the graph without duplicates.
func (g *WorkflowGraph) AllActions() []Action {
	var out []Action
	out = append(out, g.InitialActions...)
	out = append(out, g.GlobalActions...)
	ids := make([]int, 0, len(g.CommonActions))
	for id := range g.CommonActions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		out = append(out, g.CommonActions[id])
	}
	for _, s := range g.Steps {
		out = append(out, s.Actions...)
	}
	return out
}

// Initial returns the first initial action, the only one used to create issues.
func (g *WorkflowGraph) Initial() (Action, bool) {
	if len(g.InitialActions) == 0 {
		return Action{}, false
	}
	return g.InitialActions[0], true
}

// NextStepID returns one past the highest step id.
func (g *WorkflowGraph) NextStepID() int {
	highest := 0
	for _, s := range g.Steps {
		if s.ID > highest {
			highest = s.ID
		}
	}
	return highest + 1
}

// NextActionID returns one past the highest action id.
func (g *WorkflowGraph) NextActionID() int {
	highest := 0
	for _, a := range g.AllActions() {
		if a.ID > highest {
			highest = a.ID
		}
	}
	return highest + 1
}

// UpdatedAt returns the last-updated stamp stored in the meta attributes.
func (g *WorkflowGraph) UpdatedAt() (time.Time, bool) {
	v, ok := g.Meta[MetaUpdatedDate]
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// UpdateAuthor returns the key of the last editor, if recorded.
func (g *WorkflowGraph) UpdateAuthor() string {
	return g.Meta[MetaUpdateAuthor]
}

// Stamp records the editor and time in the meta attributes.
func (g *WorkflowGraph) Stamp(userKey string, at time.Time) {
	if g.Meta == nil {
		g.Meta = make(map[string]string)
	}
	if userKey != "" {
		g.Meta[MetaUpdateAuthor] = userKey
	} else {
		delete(g.Meta, MetaUpdateAuthor)
	}
	g.Meta[MetaUpdatedDate] = strconv.FormatInt(at.UnixMilli(), 10)
}

// Validate checks the structural invariants of the graph. statusExists may be nil.
func (g *WorkflowGraph) Validate(statusExists func(id string) bool) error {
	if g.Name == "" {
		return fmt.Errorf("%w: workflow has no name", ErrInvalidGraph)
	}
	steps := make(map[int]bool, len(g.Steps))
	for _, s := range g.Steps {
		if steps[s.ID] {
			return fmt.Errorf("%w: duplicate step id %d", ErrInvalidGraph, s.ID)
		}
		steps[s.ID] = true
		if s.LinkedStatusID == "" {
			return fmt.Errorf("%w: step %d (%s) has no linked status", ErrInvalidGraph, s.ID, s.Name)
		}
		if statusExists != nil && !statusExists(s.LinkedStatusID) {
			return fmt.Errorf("%w: step %d links unknown status %s", ErrInvalidGraph, s.ID, s.LinkedStatusID)
		}
	}
	seen := make(map[int]bool)
	check := func(a Action) error {
		if seen[a.ID] {
			return fmt.Errorf("%w: duplicate action id %d", ErrInvalidGraph, a.ID)
		}
		seen[a.ID] = true
		dests := []int{a.UnconditionalResult.Step}
		for _, r := range a.ConditionalResults {
			dests = append(dests, r.Step)
		}
		for _, d := range dests {
			if d != StayOnStep && !steps[d] {
				return fmt.Errorf("%w: action %d targets unknown step %d", ErrInvalidGraph, a.ID, d)
			}
		}
		return nil
	}
	for _, a := range g.InitialActions {
		if err := check(a); err != nil {
			return err
		}
		if a.UnconditionalResult.Step == StayOnStep {
			return fmt.Errorf("%w: initial action %d must lead to a step", ErrInvalidGraph, a.ID)
		}
		for _, r := range a.ConditionalResults {
			if r.Step == StayOnStep {
				return fmt.Errorf("%w: initial action %d must lead to a step", ErrInvalidGraph, a.ID)
			}
		}
	}
	for _, a := range g.GlobalActions {
		if err := check(a); err != nil {
			return err
		}
	}
	for id, a := range g.CommonActions {
		if id != a.ID {
			return fmt.Errorf("%w: common action key %d does not match id %d", ErrInvalidGraph, id, a.ID)
		}
		if err := check(a); err != nil {
			return err
		}
	}
	for _, s := range g.Steps {
		for _, a := range s.Actions {
			if err := check(a); err != nil {
				return err
			}
		}
		for _, id := range s.CommonActionIDs {
			if _, ok := g.CommonActions[id]; !ok {
				return fmt.Errorf("%w: step %d references unknown common action %d", ErrInvalidGraph, s.ID, id)
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the graph.
func (g *WorkflowGraph) Clone() *WorkflowGraph {
	if g == nil {
		return nil
	}
	out := &WorkflowGraph{
		Name:        g.Name,
		Description: g.Description,
		Meta:        cloneStrings(g.Meta),
	}
	if g.Steps != nil {
		out.Steps = make([]Step, len(g.Steps))
		for i, s := range g.Steps {
			out.Steps[i] = s.clone()
		}
	}
	out.InitialActions = cloneActions(g.InitialActions)
	out.GlobalActions = cloneActions(g.GlobalActions)
	if g.CommonActions != nil {
		out.CommonActions = make(map[int]Action, len(g.CommonActions))
		for id, a := range g.CommonActions {
			out.CommonActions[id] = a.clone()
		}
	}
	return out
}

func (s Step) clone() Step {
	out := s
	out.Actions = cloneActions(s.Actions)
	if s.CommonActionIDs != nil {
		out.CommonActionIDs = append([]int(nil), s.CommonActionIDs...)
	}
	out.Meta = cloneStrings(s.Meta)
	return out
}

func (a Action) clone() Action {
	out := a
	out.Restriction = a.Restriction.clone()
	out.Validators = cloneSpecs(a.Validators)
	out.PostFunctions = cloneSpecs(a.PostFunctions)
	if a.ConditionalResults != nil {
		out.ConditionalResults = make([]ConditionalResult, len(a.ConditionalResults))
		for i, r := range a.ConditionalResults {
			r.Conditions = r.Conditions.clone()
			out.ConditionalResults[i] = r
		}
	}
	out.Meta = cloneStrings(a.Meta)
	return out
}

func (r *Restriction) clone() *Restriction {
	if r == nil {
		return nil
	}
	return &Restriction{Operator: r.Operator, Conditions: cloneSpecs(r.Conditions)}
}

func cloneActions(in []Action) []Action {
	if in == nil {
		return nil
	}
	out := make([]Action, len(in))
	for i, a := range in {
		out[i] = a.clone()
	}
	return out
}

func cloneSpecs(in []FunctionSpec) []FunctionSpec {
	if in == nil {
		return nil
	}
	out := make([]FunctionSpec, len(in))
	for i, f := range in {
		out[i] = FunctionSpec{Type: f.Type, Args: cloneStrings(f.Args)}
	}
	return out
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Workflow is a graph tagged with its kind. Draft carries audit data when Kind is KindDraft.
type Workflow struct {
	Kind  WorkflowKind
	Graph *WorkflowGraph
	Draft *DraftInfo
}

// DraftInfo carries the audit stamp of a draft working copy.
type DraftInfo struct {
	ParentName     string
	LastModifiedBy string
	LastModifiedAt time.Time
}

// Name returns the display name: drafts are named after their parent.
func (w Workflow) Name() string {
	if w.Kind == KindDraft && w.Draft != nil {
		return w.Draft.ParentName
	}
	if w.Graph == nil {
		return ""
	}
	return w.Graph.Name
}

// IsSystem reports whether the workflow is the read-only system default.
func (w Workflow) IsSystem() bool { return w.Kind == KindSystem }

// IsDraft reports whether the workflow is a draft working copy.
func (w Workflow) IsDraft() bool { return w.Kind == KindDraft }

// Editable reports whether the workflow may be modified.
func (w Workflow) Editable() bool { return w.Kind.Editable() }
