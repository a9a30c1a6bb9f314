package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.yaml
var schemaFiles embed.FS

// Validator handles JSON schema validation of jobs and action parameters
type Validator struct {
	jobSchema    *jsonschema.Schema
	paramSchemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded job and parameter schemas
func NewValidator() (*Validator, error) {
	v := &Validator{paramSchemas: make(map[string]*jsonschema.Schema)}

	data, err := schemaFiles.ReadFile("schemas/job.schema.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read job schema: %w", err)
	}
	var jobDoc interface{}
	if err := yaml.Unmarshal(data, &jobDoc); err != nil {
		return nil, fmt.Errorf("failed to parse job schema: %w", err)
	}
	if v.jobSchema, err = compile("job", jobDoc); err != nil {
		return nil, fmt.Errorf("failed to load job schema: %w", err)
	}

	data, err = schemaFiles.ReadFile("schemas/parameters.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter schemas: %w", err)
	}
	var params map[string]interface{}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse parameter schemas: %w", err)
	}
	for command, doc := range params {
		s, err := compile(command, doc)
		if err != nil {
			return nil, fmt.Errorf("failed to load parameter schema for %s: %w", command, err)
		}
		v.paramSchemas[command] = s
	}

	return v, nil
}

// ValidateJob validates a decoded job document
func (v *Validator) ValidateJob(doc interface{}) error {
	data, err := normalize(doc)
	if err != nil {
		return err
	}
	return v.jobSchema.Validate(data)
}

// ValidateParameters validates the parameters of one action. Missing
// parameters are validated as an empty object.
func (v *Validator) ValidateParameters(command string, params map[string]interface{}) error {
	s, ok := v.paramSchemas[command]
	if !ok {
		return fmt.Errorf("no parameter schema for action %q", command)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	data, err := normalize(params)
	if err != nil {
		return err
	}
	if err := s.Validate(data); err != nil {
		return fmt.Errorf("invalid parameters for %s: %w", command, err)
	}
	return nil
}

// Commands lists the commands that have a parameter schema
func (v *Validator) Commands() []string {
	names := make([]string, 0, len(v.paramSchemas))
	for name := range v.paramSchemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// compile converts a YAML decoded schema to JSON and compiles it
func compile(name string, doc interface{}) (*jsonschema.Schema, error) {
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	uri := fmt.Sprintf("devicelab://schemas/%s.json", name)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(uri, bytes.NewReader(jsonData)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	s, err := compiler.Compile(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return s, nil
}

// normalize round-trips a document through JSON so YAML and JSON input
// validate alike.
func normalize(doc interface{}) (interface{}, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return out, nil
}
