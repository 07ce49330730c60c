package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/carterbs/gardener/internal/fsm"
	"github.com/carterbs/gardener/internal/gardenerrors"
)

// outputSchemas holds the JSON schema text for each structured-output
// state, advertised to the agent CLI via AdapterContext.OutputSchema and
// used to validate the turn's decoded payload before it is unmarshaled
// into the state's typed Output struct.
var outputSchemas = map[fsm.WorkerState]string{
	fsm.StateUnderstand: `{"type":"object","required":["task_type","reasoning"],"properties":{
		"task_type":{"type":"string","enum":["task","chore","infra","feature","bugfix","refactor"]},
		"reasoning":{"type":"string"}}}`,
	fsm.StateDoing: `{"type":"object","required":["summary","files_changed"],"properties":{
		"summary":{"type":"string"},
		"files_changed":{"type":"array","items":{"type":"string"}},
		"commit_message":{"type":"string"}}}`,
	fsm.StateGitting: `{"type":"object","required":["branch","pr_number","pr_url"],"properties":{
		"branch":{"type":"string"},
		"pr_number":{"type":"integer"},
		"pr_url":{"type":"string"}}}`,
	fsm.StateReviewing: `{"type":"object","required":["verdict","suggestions"],"properties":{
		"verdict":{"type":"string","enum":["approve","needs_changes"]},
		"suggestions":{"type":"array","items":{"type":"string"}}}}`,
	fsm.StateMerging: `{"type":"object","required":["merged"],"properties":{
		"merged":{"type":"boolean"},
		"merge_sha":{"type":"string"}}}`,
}

// schemaFor compiles the output schema for state, if one is registered.
func schemaFor(state fsm.WorkerState) (*jsonschema.Schema, string, error) {
	text, ok := outputSchemas[state]
	if !ok {
		return nil, "", nil
	}
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("%s-output.json", state.AsStr())
	if err := compiler.AddResource(resource, strings.NewReader(text)); err != nil {
		return nil, "", gardenerrors.InvalidConfig(fmt.Sprintf("compile %s output schema: %s", state, err))
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, "", gardenerrors.InvalidConfig(fmt.Sprintf("compile %s output schema: %s", state, err))
	}
	return schema, text, nil
}

// validateAgainstSchema validates raw (a decoded JSON value) against
// state's registered output schema, a no-op if no schema is registered.
func validateAgainstSchema(state fsm.WorkerState, raw json.RawMessage) error {
	schema, _, err := schemaFor(state)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return gardenerrors.OutputEnvelope(fmt.Sprintf("%s payload is not valid json: %s", state, err))
	}
	if err := schema.Validate(value); err != nil {
		return gardenerrors.OutputEnvelope(fmt.Sprintf("%s payload failed schema validation: %s", state, err))
	}
	return nil
}
