package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/issue-workflow/types"
)

func richGraph() *types.WorkflowGraph {
	return &types.WorkflowGraph{
		Name:        "Bug Flow",
		Description: "Bugs & regressions",
		Meta:        map[string]string{types.MetaDescription: "Bugs & regressions", types.MetaUpdateAuthor: "alice"},
		InitialActions: []types.Action{{
			ID:                  1,
			Name:                "Create",
			UnconditionalResult: types.Result{Step: 1, Status: "Open"},
			PostFunctions: []types.FunctionSpec{
				{Type: "create-issue"},
				{Type: "fire-event", Args: map[string]string{"eventType": "issue_created"}},
			},
		}},
		GlobalActions: []types.Action{{
			ID:                  91,
			Name:                "Reset",
			Meta:                map[string]string{types.MetaSequence: "100"},
			UnconditionalResult: types.Result{Step: 1},
		}},
		CommonActions: map[int]types.Action{
			2: {
				ID:   2,
				Name: "Close",
				View: "resolve",
				Restriction: &types.Restriction{
					Operator: types.RestrictionOr,
					Conditions: []types.FunctionSpec{
						{Type: "permission", Args: map[string]string{"permission": "close"}},
						{Type: "allow-only-assignee"},
					},
				},
				UnconditionalResult: types.Result{Step: 2, Status: types.ResultStatusClosed},
			},
		},
		Steps: []types.Step{
			{
				ID:              1,
				Name:            "Open",
				LinkedStatusID:  "1",
				CommonActionIDs: []int{2},
				Meta:            map[string]string{types.MetaIssueEditable: "true"},
				Actions: []types.Action{{
					ID:         11,
					Name:       "Triage",
					Validators: []types.FunctionSpec{{Type: "field-required", Args: map[string]string{"fields": "priority,component"}}},
					ConditionalResults: []types.ConditionalResult{
						{Guard: `inputs.priority == "high" && step < 3`, Step: 2},
						{
							Conditions: &types.Restriction{
								Operator:   types.RestrictionAnd,
								Conditions: []types.FunctionSpec{{Type: "always-false", Args: map[string]string{"negate": "true"}}},
							},
							Step: types.StayOnStep,
						},
					},
					UnconditionalResult: types.Result{Step: types.StayOnStep},
				}},
			},
			{ID: 2, Name: "Closed", LinkedStatusID: "6"},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	c := NewXMLCodec()
	g := richGraph()

	data, err := c.Encode(g)
	require.NoError(t, err)
	assert.Contains(t, data, `<workflow name="Bug Flow"`)

	decoded, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, g, decoded)

	again, err := c.Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestRoundTripSystemWorkflow(t *testing.T) {
	c := NewXMLCodec()
	g, err := SystemWorkflow()
	require.NoError(t, err)

	data, err := c.Encode(g)
	require.NoError(t, err)
	decoded, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, g, decoded)
}

func TestDecodeMalformed(t *testing.T) {
	c := NewXMLCodec()
	cases := map[string]string{
		"empty":             "  ",
		"not xml":           "<workflow",
		"bad step id":       `<workflow name="x"><steps><step id="one" name="Open"></step></steps></workflow>`,
		"missing result":    `<workflow name="x"><initial-actions><action id="1" name="Create"></action></initial-actions></workflow>`,
		"bad result step":   `<workflow name="x"><initial-actions><action id="1" name="C"><results><unconditional-result step="x"/></results></action></initial-actions></workflow>`,
		"duplicate common":  `<workflow name="x"><common-actions><action id="2" name="a"><results><unconditional-result step="1"/></results></action><action id="2" name="b"><results><unconditional-result step="1"/></results></action></common-actions></workflow>`,
		"bad common ref id": `<workflow name="x"><steps><step id="1" name="Open"><actions><common-action id="z"/></actions></step></steps></workflow>`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(data)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedGraph)
			var malformed *MalformedGraphError
			assert.True(t, errors.As(err, &malformed))
		})
	}
}

func TestEncodeNil(t *testing.T) {
	_, err := NewXMLCodec().Encode(nil)
	assert.Error(t, err)
}

func TestSystemWorkflow(t *testing.T) {
	g, err := SystemWorkflow()
	require.NoError(t, err)
	assert.Equal(t, types.SystemDefaultWorkflow, g.Name)
	assert.ElementsMatch(t, SystemStatusIDs, g.LinkedStatusIDs())

	initial, ok := g.Initial()
	require.True(t, ok)
	require.NotEmpty(t, initial.PostFunctions)
	assert.Equal(t, "create-issue", initial.PostFunctions[0].Type)

	// every call hands out an independent copy
	g.Steps[0].Name = "Changed"
	fresh, err := SystemWorkflow()
	require.NoError(t, err)
	assert.Equal(t, "Open", fresh.Steps[0].Name)
}
