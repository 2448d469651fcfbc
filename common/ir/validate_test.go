package ir

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowrunner/common/flowerr"
)

// fakeCatalog implements Catalog over a static map
type fakeCatalog struct {
	types map[string]NodeInfo
}

func (f *fakeCatalog) Has(name string) bool {
	_, ok := f.types[name]
	return ok
}

func (f *fakeCatalog) Info(name string) (NodeInfo, bool) {
	info, ok := f.types[name]
	return info, ok
}

func (f *fakeCatalog) Suggest(name string) []string {
	if strings.HasPrefix(name, "htt") {
		return []string{"http"}
	}
	return nil
}

func catalog() *fakeCatalog {
	return &fakeCatalog{types: map[string]NodeInfo{
		"http": {
			WritePaths:     []string{"status_code", "body", "headers"},
			RequiredParams: []string{"url"},
			Params:         []string{"url", "method", "headers", "body"},
			Actions:        []string{"default", "error"},
		},
		"shell": {
			WritePaths:     []string{"stdout", "stderr", "exit_code"},
			RequiredParams: []string{"command"},
			Params:         []string{"command", "cwd", "stdin"},
			Actions:        []string{"default", "error"},
		},
		"echo-test": {
			WritePaths: []string{"echoed"},
			Params:     []string{"value", "action"},
			Actions:    []string{"default"},
		},
	}}
}

func twoNodeWorkflow() *Workflow {
	return &Workflow{
		Name: "fetch-report",
		Nodes: []NodeSpec{
			{ID: "fetch", Type: "http", Params: map[string]any{"url": "https://x.test"}},
			{ID: "report", Type: "shell", Params: map[string]any{"command": "cat", "stdin": "${fetch.body}"}},
		},
		Edges: []Edge{{From: "fetch", To: "report"}},
	}
}

func TestValidate_CleanWorkflow(t *testing.T) {
	errs := Validate(twoNodeWorkflow(), catalog())
	assert.True(t, errs.Empty(), "unexpected issues: %v", errs.All())
}

func TestValidate_ReportsEverythingAtOnce(t *testing.T) {
	wf := &Workflow{
		Nodes: []NodeSpec{
			{ID: "a", Type: "httpp"},                              // unknown type
			{ID: "a", Type: "http"},                               // duplicate id
			{ID: "b", Type: "shell", Params: map[string]any{}},    // missing command
			{ID: "c", Type: "http", Params: map[string]any{"url": "${ghost.body}"}}, // unknown ref target
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "a", To: "b"}, // duplicate (from, action)
			{From: "b", To: "nowhere"},
		},
	}

	errs := Validate(wf, catalog())
	all := errs.All()
	require.GreaterOrEqual(t, len(all), 6)

	var messages []string
	for _, e := range all {
		assert.Equal(t, flowerr.CategoryValidation, e.Category)
		messages = append(messages, e.Message)
	}
	joined := strings.Join(messages, "\n")
	assert.Contains(t, joined, `duplicate node id "a"`)
	assert.Contains(t, joined, `unknown type "httpp"`)
	assert.Contains(t, joined, `missing required param "command"`)
	assert.Contains(t, joined, `references unknown node "ghost"`)
	assert.Contains(t, joined, "duplicate edge")
	assert.Contains(t, joined, `unknown node "nowhere"`)
}

func TestValidate_StableOrder(t *testing.T) {
	wf := &Workflow{
		Nodes: []NodeSpec{
			{ID: "a", Type: "httpp"},
			{ID: "b", Type: "shelll"},
		},
		Edges: []Edge{{From: "a", To: "b"}},
	}

	first := Validate(wf, catalog()).All()
	for i := 0; i < 5; i++ {
		again := Validate(wf, catalog()).All()
		require.Equal(t, len(first), len(again))
		for j := range first {
			assert.Equal(t, first[j].Message, again[j].Message, "run %d position %d", i, j)
		}
	}
}

func TestValidate_UnknownTypeSuggestion(t *testing.T) {
	wf := &Workflow{
		Nodes: []NodeSpec{{ID: "a", Type: "httpx", Params: map[string]any{"url": "u"}}},
		Edges: []Edge{},
	}
	errs := Validate(wf, catalog())
	require.False(t, errs.Empty())
	assert.Contains(t, errs.Primary.Suggestion, "http")
	assert.True(t, errs.Primary.Fixable)
}

func TestValidate_WritePathContract(t *testing.T) {
	wf := twoNodeWorkflow()
	wf.Nodes[1].Params["stdin"] = "${fetch.bdy}"

	errs := Validate(wf, catalog())
	require.False(t, errs.Empty())
	e := errs.Primary
	assert.Contains(t, e.Message, `never writes "bdy"`)
	assert.Equal(t, []string{"status_code", "body", "headers"}, e.AvailableFields)
	assert.Contains(t, e.Suggestion, "${fetch.body}")
}

func TestValidate_WritePathExtension(t *testing.T) {
	// References deeper than a declared dict path resolve at runtime
	wf := twoNodeWorkflow()
	wf.Nodes[1].Params["stdin"] = "${fetch.body.temperature.high}"
	errs := Validate(wf, catalog())
	assert.True(t, errs.Empty(), "unexpected issues: %v", errs.All())
}

func TestValidate_InputRefs(t *testing.T) {
	wf := twoNodeWorkflow()
	wf.Inputs = map[string]InputSpec{"city": {Type: "string", Required: true}}
	wf.Nodes[0].Params["url"] = "https://x.test/${inputs.cty}"

	errs := Validate(wf, catalog())
	require.False(t, errs.Empty())
	assert.Contains(t, errs.Primary.Message, `undeclared input "cty"`)
	assert.Contains(t, errs.Primary.Suggestion, "city")

	// No declared inputs block: any input name passes
	wf2 := twoNodeWorkflow()
	wf2.Nodes[0].Params["url"] = "https://x.test/${inputs.anything}"
	assert.True(t, Validate(wf2, catalog()).Empty())
}

func TestValidate_BareInputRef(t *testing.T) {
	// ${dir} is a workflow-input lookup, not a node reference: a one-node
	// workflow interpolating an unprovided input is still valid
	wf := &Workflow{
		Name: "list-dir",
		Nodes: []NodeSpec{
			{ID: "run", Type: "shell", Params: map[string]any{"command": "ls ${dir}"}},
		},
		Edges: []Edge{},
	}
	errs := Validate(wf, catalog())
	assert.True(t, errs.Empty(), "unexpected issues: %v", errs.All())
}

func TestValidate_BareInputRefDeclaredInputs(t *testing.T) {
	wf := &Workflow{
		Name:   "list-dir",
		Inputs: map[string]InputSpec{"dir": {Type: "string"}},
		Nodes: []NodeSpec{
			{ID: "run", Type: "shell", Params: map[string]any{"command": "ls ${dr}"}},
		},
		Edges: []Edge{},
	}
	errs := Validate(wf, catalog())
	require.False(t, errs.Empty())
	assert.Contains(t, errs.Primary.Message, `undeclared input "dr"`)
	assert.Equal(t, []string{"dir"}, errs.Primary.AvailableFields)
	assert.Contains(t, errs.Primary.Suggestion, "dir")
	assert.True(t, errs.Primary.Fixable)
}

func TestValidate_ForwardReference(t *testing.T) {
	// report runs after fetch, so fetch may not read report's output
	wf := twoNodeWorkflow()
	wf.Nodes[0].Params["body"] = "${report.stdout}"

	errs := Validate(wf, catalog())
	require.False(t, errs.Empty())
	e := errs.Primary
	assert.Contains(t, e.Message, `references ${report.stdout}`)
	assert.Contains(t, e.Message, `has not executed on every path`)
	assert.Equal(t, "fetch", e.NodeID)
	assert.True(t, e.Fixable)

	// the other direction is fine: twoNodeWorkflow already has report
	// reading ${fetch.body}
	assert.True(t, Validate(twoNodeWorkflow(), catalog()).Empty())
}

func TestValidate_SelfReference(t *testing.T) {
	wf := twoNodeWorkflow()
	wf.Nodes[1].Params["stdin"] = "${report.stdout}"

	errs := Validate(wf, catalog())
	require.False(t, errs.Empty())
	assert.Contains(t, errs.Primary.Message, "references its own output")
	assert.Equal(t, "report", errs.Primary.NodeID)
}

func TestValidate_ReferenceNotOnEveryPath(t *testing.T) {
	// join is reached through either branch, but only the default branch
	// runs scan, so ${scan.stdout} is not guaranteed to exist at join
	wf := &Workflow{
		Name: "branching",
		Nodes: []NodeSpec{
			{ID: "gate", Type: "shell", Params: map[string]any{"command": "true"}},
			{ID: "scan", Type: "shell", Params: map[string]any{"command": "uname"}},
			{ID: "fallback", Type: "shell", Params: map[string]any{"command": "true"}},
			{ID: "join", Type: "shell", Params: map[string]any{"command": "cat", "stdin": "${scan.stdout}"}},
		},
		Edges: []Edge{
			{From: "gate", To: "scan"},
			{From: "gate", To: "fallback", Action: "error"},
			{From: "scan", To: "join"},
			{From: "fallback", To: "join"},
		},
	}
	errs := Validate(wf, catalog())
	require.False(t, errs.Empty())
	assert.Contains(t, errs.Primary.Message, `node "scan" has not executed on every path reaching "join"`)

	// reading the node both branches share is fine
	wf.Nodes[3].Params["stdin"] = "${gate.stdout}"
	assert.True(t, Validate(wf, catalog()).Empty(), "issues: %v", Validate(wf, catalog()).All())
}

func TestValidate_ItemRequiresBatch(t *testing.T) {
	wf := twoNodeWorkflow()
	wf.Nodes[1].Params["stdin"] = "${item.name}"

	errs := Validate(wf, catalog())
	require.False(t, errs.Empty())
	assert.Contains(t, errs.Primary.Message, "declares no batch")

	wf.Nodes[1].Batch = &BatchSpec{Over: "${fetch.body}"}
	assert.True(t, Validate(wf, catalog()).Empty())
}

func TestValidate_BatchOverMustBeReference(t *testing.T) {
	wf := twoNodeWorkflow()
	wf.Nodes[1].Batch = &BatchSpec{Over: "just-a-string"}

	errs := Validate(wf, catalog())
	require.False(t, errs.Empty())
	assert.Contains(t, errs.Primary.Message, "not a template reference")
}

func TestValidate_SelfLoop(t *testing.T) {
	wf := twoNodeWorkflow()
	wf.Edges = append(wf.Edges, Edge{From: "report", To: "report", Action: "error"})

	errs := Validate(wf, catalog())
	require.False(t, errs.Empty())
	assert.Contains(t, errs.Primary.Message, `"report" routes to itself`)
}

func TestValidate_Cycle(t *testing.T) {
	wf := twoNodeWorkflow()
	wf.Edges = append(wf.Edges, Edge{From: "report", To: "fetch", Action: "error"})

	errs := Validate(wf, catalog())
	require.False(t, errs.Empty())
	assert.Contains(t, errs.Primary.Message, "cycle")
}

func TestValidate_Unreachable(t *testing.T) {
	wf := twoNodeWorkflow()
	wf.Nodes = append(wf.Nodes, NodeSpec{ID: "orphan", Type: "echo-test"})

	errs := Validate(wf, catalog())
	require.False(t, errs.Empty())
	assert.Contains(t, errs.Primary.Message, `"orphan" is unreachable`)
}

func TestValidate_StartNode(t *testing.T) {
	wf := twoNodeWorkflow()
	wf.StartNode = "ghost"

	errs := Validate(wf, catalog())
	require.False(t, errs.Empty())
	assert.Contains(t, errs.Primary.Message, `start_node "ghost"`)
}

func TestValidateDocument(t *testing.T) {
	wf, errs := ValidateDocument([]byte(`{
		"name": "ok",
		"nodes": [{"id": "a", "type": "http", "params": {"url": "u"}}],
		"edges": []
	}`))
	require.Nil(t, errs)
	assert.Equal(t, "ok", wf.Name)

	_, errs = ValidateDocument([]byte(`{"nodes": [{"id": "a"}], "edges": []}`))
	require.NotNil(t, errs)
	assert.Contains(t, errs.Primary.Message, "structural validation")

	_, errs = ValidateDocument([]byte(`not json`))
	require.NotNil(t, errs)
	assert.Contains(t, errs.Primary.Message, "not valid JSON")

	_, errs = ValidateDocument([]byte(`{"edges": []}`))
	require.NotNil(t, errs, "nodes is required")
}
