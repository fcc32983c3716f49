package api

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

const (
	ManifestSchema = "cs.tester.handler.v1"
	DefaultEntry   = "function.js"
	DefaultHandler = "handler"

	maxTimeoutSeconds = 900
)

var (
	suitePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)
	entryPattern   = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)
	handlerPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)
)

const manifestJSONSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["schema"],
  "properties": {
    "schema": {"const": "cs.tester.handler.v1"},
    "entry": {"type": "string", "minLength": 1, "maxLength": 256},
    "handler": {"type": "string", "minLength": 1, "maxLength": 128},
    "timeoutSeconds": {"type": "number", "exclusiveMinimum": 0, "maximum": 900},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "context": {"type": "object"},
    "eventSchema": {"type": "string", "minLength": 1}
  }
}`

const manifestSchemaURL = "https://schemas.lambda-tester.dev/handler-manifest.json"

var (
	manifestSchemaOnce sync.Once
	manifestSchema     *jsonschema.Schema
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(manifestSchemaURL, strings.NewReader(manifestJSONSchema)); err != nil {
			manifestSchemaErr = fmt.Errorf("add manifest schema: %w", err)
			return
		}
		manifestSchema, manifestSchemaErr = compiler.Compile(manifestSchemaURL)
	})
	return manifestSchema, manifestSchemaErr
}

// HandlerManifest is the optional manifest.json of a handler bundle.
type HandlerManifest struct {
	Schema         string            `json:"schema"`
	Entry          string            `json:"entry,omitempty"`
	Handler        string            `json:"handler,omitempty"`
	TimeoutSeconds float64           `json:"timeoutSeconds,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Context        map[string]any    `json:"context,omitempty"`
	EventSchema    string            `json:"eventSchema,omitempty"`
}

// DefaultManifest is used for bundles that ship no manifest.json.
func DefaultManifest() HandlerManifest {
	return HandlerManifest{Schema: ManifestSchema, Entry: DefaultEntry, Handler: DefaultHandler}
}

func (m HandlerManifest) Validate() error {
	if m.Schema != ManifestSchema {
		return fmt.Errorf("unsupported schema")
	}
	if strings.TrimSpace(m.Entry) == "" {
		return fmt.Errorf("entry is required")
	}
	if !entryPattern.MatchString(m.Entry) || strings.Contains(m.Entry, "..") {
		return fmt.Errorf("entry has invalid characters")
	}
	if !handlerPattern.MatchString(m.Handler) {
		return fmt.Errorf("handler must be an identifier")
	}
	if m.TimeoutSeconds < 0 || m.TimeoutSeconds > maxTimeoutSeconds {
		return fmt.Errorf("timeoutSeconds out of range")
	}
	if m.EventSchema != "" && (!entryPattern.MatchString(m.EventSchema) || strings.Contains(m.EventSchema, "..")) {
		return fmt.Errorf("eventSchema has invalid characters")
	}
	return nil
}

// Timeout returns the manifest timeout, or zero when the manifest leaves it
// to the tester default.
func (m HandlerManifest) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds * float64(time.Second))
}

// ParseManifest checks raw against the manifest JSON schema, then fills in
// defaults and validates the result.
func ParseManifest(raw []byte) (HandlerManifest, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return HandlerManifest{}, err
	}
	schema, err := compiledManifestSchema()
	if err != nil {
		return HandlerManifest{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return HandlerManifest{}, fmt.Errorf("manifest: %w", err)
	}
	m := DefaultManifest()
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, err
	}
	if m.Entry == "" {
		m.Entry = DefaultEntry
	}
	if m.Handler == "" {
		m.Handler = DefaultHandler
	}
	return m, m.Validate()
}

func ValidateSuite(v string) error {
	if v == "" {
		return nil
	}
	if !suitePattern.MatchString(v) {
		return fmt.Errorf("invalid suite")
	}
	return nil
}

// ExpectationRequest is the body of POST /v1/expectations.
type ExpectationRequest struct {
	Suite     string              `json:"suite,omitempty"`
	Name      string              `json:"name,omitempty"`
	Files     map[string]string   `json:"files"`
	Event     any                 `json:"event,omitempty"`
	Expect    string              `json:"expect"`
	TimeoutMS ldvalue.OptionalInt `json:"timeout_ms,omitempty"`
	LeakCheck *bool               `json:"leak_check,omitempty"`
	Context   map[string]any      `json:"context,omitempty"`
}

func (r ExpectationRequest) Validate() error {
	if len(r.Files) == 0 {
		return fmt.Errorf("files are required")
	}
	if strings.TrimSpace(r.Expect) == "" {
		return fmt.Errorf("expect is required")
	}
	if err := ValidateSuite(r.Suite); err != nil {
		return err
	}
	if ms, ok := r.TimeoutMS.Get(); ok && (ms < 1 || ms > maxTimeoutSeconds*1000) {
		return fmt.Errorf("timeout_ms out of range")
	}
	return nil
}

// Timeout returns the requested timeout, or zero when none was given.
func (r ExpectationRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS.OrElse(0)) * time.Millisecond
}

type HealthResponse struct {
	Status string `json:"status"`
}
