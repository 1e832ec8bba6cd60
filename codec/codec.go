// Package codec converts workflow graphs to and from their persisted XML form.
package codec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/songzhibin97/issue-workflow/types"
)

// ErrMalformedGraph is wrapped by every decode failure.
var ErrMalformedGraph = errors.New("malformed workflow descriptor")

// MalformedGraphError reports serialized input that does not describe a valid graph.
type MalformedGraphError struct {
	Reason string
	Err    error
}

func (e *MalformedGraphError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrMalformedGraph, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrMalformedGraph, e.Reason)
}

func (e *MalformedGraphError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedGraph}
	}
	return []error{ErrMalformedGraph, e.Err}
}

// Codec encodes and decodes workflow graphs.
type Codec interface {
	Encode(g *types.WorkflowGraph) (string, error)
	Decode(data string) (*types.WorkflowGraph, error)
}

// XMLCodec is the descriptor format used by every store.
type XMLCodec struct{}

// NewXMLCodec returns the XML descriptor codec.
func NewXMLCodec() XMLCodec { return XMLCodec{} }

const header = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

type xmlWorkflow struct {
	XMLName        xml.Name    `xml:"workflow"`
	Name           string      `xml:"name,attr,omitempty"`
	Description    string      `xml:"description,attr,omitempty"`
	Meta           []xmlMeta   `xml:"meta"`
	InitialActions []xmlAction `xml:"initial-actions>action"`
	GlobalActions  []xmlAction `xml:"global-actions>action"`
	CommonActions  []xmlAction `xml:"common-actions>action"`
	Steps          []xmlStep   `xml:"steps>step"`
}

type xmlMeta struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlArg struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlFunction struct {
	Type string   `xml:"type,attr"`
	Args []xmlArg `xml:"arg"`
}

type xmlConditions struct {
	Type       string        `xml:"type,attr,omitempty"`
	Conditions []xmlFunction `xml:"condition"`
}

type xmlResult struct {
	Step       string         `xml:"step,attr"`
	Guard      string         `xml:"guard,omitempty"`
	Conditions *xmlConditions `xml:"conditions"`
}

type xmlUnconditional struct {
	Step   string `xml:"step,attr"`
	Status string `xml:"status,attr,omitempty"`
}

type xmlResults struct {
	Results       []xmlResult      `xml:"result"`
	Unconditional xmlUnconditional `xml:"unconditional-result"`
}

type xmlAction struct {
	ID            string         `xml:"id,attr"`
	Name          string         `xml:"name,attr"`
	View          string         `xml:"view,attr,omitempty"`
	Meta          []xmlMeta      `xml:"meta"`
	RestrictTo    *xmlConditions `xml:"restrict-to>conditions"`
	Validators    []xmlFunction  `xml:"validators>validator"`
	Results       xmlResults     `xml:"results"`
	PostFunctions []xmlFunction  `xml:"post-functions>function"`
}

type xmlCommonRef struct {
	ID string `xml:"id,attr"`
}

type xmlStep struct {
	ID      string         `xml:"id,attr"`
	Name    string         `xml:"name,attr"`
	Meta    []xmlMeta      `xml:"meta"`
	Common  []xmlCommonRef `xml:"actions>common-action"`
	Actions []xmlAction    `xml:"actions>action"`
}

// Encode renders g as an XML descriptor.
func (XMLCodec) Encode(g *types.WorkflowGraph) (string, error) {
	if g == nil {
		return "", errors.New("cannot encode a nil workflow graph")
	}
	doc := xmlWorkflow{
		Name:           g.Name,
		Description:    g.Description,
		Meta:           encodeMeta(g.Meta),
		InitialActions: encodeActions(g.InitialActions),
		GlobalActions:  encodeActions(g.GlobalActions),
	}
	ids := make([]int, 0, len(g.CommonActions))
	for id := range g.CommonActions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		doc.CommonActions = append(doc.CommonActions, encodeAction(g.CommonActions[id]))
	}
	for _, s := range g.Steps {
		xs := xmlStep{
			ID:      strconv.Itoa(s.ID),
			Name:    s.Name,
			Actions: encodeActions(s.Actions),
		}
		if s.LinkedStatusID != "" {
			xs.Meta = append(xs.Meta, xmlMeta{Name: types.MetaStatusID, Value: s.LinkedStatusID})
		}
		for _, m := range encodeMeta(s.Meta) {
			if m.Name != types.MetaStatusID {
				xs.Meta = append(xs.Meta, m)
			}
		}
		for _, id := range s.CommonActionIDs {
			xs.Common = append(xs.Common, xmlCommonRef{ID: strconv.Itoa(id)})
		}
		doc.Steps = append(doc.Steps, xs)
	}

	var buf bytes.Buffer
	buf.WriteString(header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("failed to encode workflow %q: %w", g.Name, err)
	}
	buf.WriteString("\n")
	return buf.String(), nil
}

// Decode parses an XML descriptor.
func (XMLCodec) Decode(data string) (*types.WorkflowGraph, error) {
	if strings.TrimSpace(data) == "" {
		return nil, &MalformedGraphError{Reason: "empty descriptor"}
	}
	var doc xmlWorkflow
	if err := xml.Unmarshal([]byte(data), &doc); err != nil {
		return nil, &MalformedGraphError{Reason: "invalid xml", Err: err}
	}
	g := &types.WorkflowGraph{
		Name:        doc.Name,
		Description: doc.Description,
		Meta:        decodeMeta(doc.Meta),
	}
	var err error
	if g.InitialActions, err = decodeActions(doc.InitialActions); err != nil {
		return nil, err
	}
	if g.GlobalActions, err = decodeActions(doc.GlobalActions); err != nil {
		return nil, err
	}
	for _, xa := range doc.CommonActions {
		a, err := decodeAction(xa)
		if err != nil {
			return nil, err
		}
		if g.CommonActions == nil {
			g.CommonActions = make(map[int]types.Action)
		}
		if _, dup := g.CommonActions[a.ID]; dup {
			return nil, &MalformedGraphError{Reason: fmt.Sprintf("duplicate common action %d", a.ID)}
		}
		g.CommonActions[a.ID] = a
	}
	for _, xs := range doc.Steps {
		id, err := atoi("step id", xs.ID)
		if err != nil {
			return nil, err
		}
		s := types.Step{ID: id, Name: xs.Name}
		for _, m := range xs.Meta {
			if m.Name == types.MetaStatusID {
				s.LinkedStatusID = strings.TrimSpace(m.Value)
				continue
			}
			if s.Meta == nil {
				s.Meta = make(map[string]string)
			}
			s.Meta[m.Name] = m.Value
		}
		for _, ref := range xs.Common {
			cid, err := atoi("common action id", ref.ID)
			if err != nil {
				return nil, err
			}
			s.CommonActionIDs = append(s.CommonActionIDs, cid)
		}
		if s.Actions, err = decodeActions(xs.Actions); err != nil {
			return nil, err
		}
		g.Steps = append(g.Steps, s)
	}
	return g, nil
}

func atoi(what, v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, &MalformedGraphError{Reason: fmt.Sprintf("bad %s %q", what, v), Err: err}
	}
	return n, nil
}

func encodeMeta(m map[string]string) []xmlMeta {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]xmlMeta, 0, len(keys))
	for _, k := range keys {
		out = append(out, xmlMeta{Name: k, Value: m[k]})
	}
	return out
}

func decodeMeta(in []xmlMeta) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for _, m := range in {
		out[m.Name] = m.Value
	}
	return out
}

func encodeFunctions(in []types.FunctionSpec) []xmlFunction {
	if len(in) == 0 {
		return nil
	}
	out := make([]xmlFunction, 0, len(in))
	for _, f := range in {
		xf := xmlFunction{Type: f.Type}
		for _, m := range encodeMeta(f.Args) {
			xf.Args = append(xf.Args, xmlArg(m))
		}
		out = append(out, xf)
	}
	return out
}

func decodeFunctions(in []xmlFunction) []types.FunctionSpec {
	if len(in) == 0 {
		return nil
	}
	out := make([]types.FunctionSpec, 0, len(in))
	for _, xf := range in {
		f := types.FunctionSpec{Type: xf.Type}
		for _, a := range xf.Args {
			if f.Args == nil {
				f.Args = make(map[string]string)
			}
			f.Args[a.Name] = a.Value
		}
		out = append(out, f)
	}
	return out
}

func encodeRestriction(r *types.Restriction) *xmlConditions {
	if r == nil {
		return nil
	}
	return &xmlConditions{Type: r.Operator, Conditions: encodeFunctions(r.Conditions)}
}

func decodeRestriction(x *xmlConditions) *types.Restriction {
	if x == nil {
		return nil
	}
	return &types.Restriction{Operator: x.Type, Conditions: decodeFunctions(x.Conditions)}
}

func encodeActions(in []types.Action) []xmlAction {
	if len(in) == 0 {
		return nil
	}
	out := make([]xmlAction, 0, len(in))
	for _, a := range in {
		out = append(out, encodeAction(a))
	}
	return out
}

func encodeAction(a types.Action) xmlAction {
	xa := xmlAction{
		ID:            strconv.Itoa(a.ID),
		Name:          a.Name,
		View:          a.View,
		Meta:          encodeMeta(a.Meta),
		RestrictTo:    encodeRestriction(a.Restriction),
		Validators:    encodeFunctions(a.Validators),
		PostFunctions: encodeFunctions(a.PostFunctions),
		Results: xmlResults{
			Unconditional: xmlUnconditional{
				Step:   strconv.Itoa(a.UnconditionalResult.Step),
				Status: a.UnconditionalResult.Status,
			},
		},
	}
	for _, r := range a.ConditionalResults {
		xa.Results.Results = append(xa.Results.Results, xmlResult{
			Step:       strconv.Itoa(r.Step),
			Guard:      r.Guard,
			Conditions: encodeRestriction(r.Conditions),
		})
	}
	return xa
}

func decodeActions(in []xmlAction) ([]types.Action, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]types.Action, 0, len(in))
	for _, xa := range in {
		a, err := decodeAction(xa)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func decodeAction(xa xmlAction) (types.Action, error) {
	id, err := atoi("action id", xa.ID)
	if err != nil {
		return types.Action{}, err
	}
	if xa.Results.Unconditional.Step == "" {
		return types.Action{}, &MalformedGraphError{Reason: fmt.Sprintf("action %d has no unconditional result", id)}
	}
	dest, err := atoi("unconditional result step", xa.Results.Unconditional.Step)
	if err != nil {
		return types.Action{}, err
	}
	a := types.Action{
		ID:            id,
		Name:          xa.Name,
		View:          xa.View,
		Meta:          decodeMeta(xa.Meta),
		Restriction:   decodeRestriction(xa.RestrictTo),
		Validators:    decodeFunctions(xa.Validators),
		PostFunctions: decodeFunctions(xa.PostFunctions),
		UnconditionalResult: types.Result{
			Step:   dest,
			Status: xa.Results.Unconditional.Status,
		},
	}
	for _, xr := range xa.Results.Results {
		step, err := atoi("result step", xr.Step)
		if err != nil {
			return types.Action{}, err
		}
		a.ConditionalResults = append(a.ConditionalResults, types.ConditionalResult{
			Guard:      xr.Guard,
			Conditions: decodeRestriction(xr.Conditions),
			Step:       step,
		})
	}
	return a, nil
}
