package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/flux/internal/store"
)

// Scenario defines one harness run: the stores to create, the handlers to
// register, the dispatches to issue, and the assertions over the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. Also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Stores lists the namespace stores to create before dispatching.
	Stores []StoreDef `yaml:"stores"`

	// Handlers lists declarative handlers to register on the stores.
	// Optional - scenarios driven entirely by WithBinding may omit it.
	Handlers []HandlerDef `yaml:"handlers,omitempty"`

	// Steps is the dispatch sequence. Steps run in order, each awaited
	// before the next is issued.
	Steps []Step `yaml:"steps"`

	// Assertions validate final state and dispatch statuses.
	Assertions []Assertion `yaml:"assertions"`
}

// StoreDef declares a namespace store and its initial state.
type StoreDef struct {
	Namespace string         `yaml:"namespace"`
	Initial   map[string]any `yaml:"initial,omitempty"`
}

// HandlerDef declares a handler in one of the harness's canned shapes.
//
// Exactly one behavior applies per handler: Fail wins if set; otherwise the
// reduce directives (Merge, Append, Sum) combine into a single reducer, and
// a handler with none of them yields no reducer. Dispatch optionally chains
// a nested dispatch before the handler settles.
type HandlerDef struct {
	// On is the event the handler reacts to.
	On string `yaml:"on"`

	// Store is the namespace whose store registers the handler.
	// Defaults to the event's namespace.
	Store string `yaml:"store,omitempty"`

	// Merge sets these keys on the store state verbatim.
	Merge map[string]any `yaml:"merge,omitempty"`

	// Append maps a state key holding a list to the payload index whose
	// value gets appended.
	Append map[string]int `yaml:"append,omitempty"`

	// Sum maps a numeric state key to the payload index whose value is
	// added to it.
	Sum map[string]int `yaml:"sum,omitempty"`

	// Fail makes the handler fail with this message instead of reducing.
	Fail string `yaml:"fail,omitempty"`

	// Dispatch chains a nested dispatch of this event, awaited before the
	// handler yields its result.
	Dispatch string `yaml:"dispatch,omitempty"`

	// With is the nested dispatch's payload.
	With []any `yaml:"with,omitempty"`
}

// Step issues one dispatch and validates its settled status.
type Step struct {
	// Dispatch is the namespaced event to dispatch.
	Dispatch string `yaml:"dispatch"`

	// Payload is the dispatch's argument list.
	Payload []any `yaml:"payload,omitempty"`

	// ExpectError is a substring the settled Status.Err must contain.
	// Empty means the dispatch must settle without error.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion validates final state or a dispatch status.
type Assertion struct {
	// Type is AssertFinalState or AssertStatus.
	Type string `yaml:"type"`

	// Namespace is the store to inspect (final_state).
	Namespace string `yaml:"namespace,omitempty"`

	// Expect contains expected state field values (final_state).
	// Subset match - only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Event is the status to inspect (status).
	Event string `yaml:"event,omitempty"`

	// Count is the expected dispatch count for the event (status).
	// Zero means not validated.
	Count int `yaml:"count,omitempty"`

	// Error is a substring the status error must contain (status).
	// Empty means the status must carry no error.
	Error string `yaml:"error,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState = "final_state"
	AssertStatus     = "status"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Stores) == 0 {
		return fmt.Errorf("stores list is required and must be non-empty")
	}
	for i, def := range s.Stores {
		if err := store.ValidateNamespace(def.Namespace); err != nil {
			return fmt.Errorf("stores[%d]: %w", i, err)
		}
	}

	for i, h := range s.Handlers {
		if h.On == "" {
			return fmt.Errorf("handlers[%d]: on is required", i)
		}
		if _, _, err := store.ParseEvent(h.On); err != nil {
			return fmt.Errorf("handlers[%d]: %w", i, err)
		}
		if h.Fail != "" && (len(h.Merge) > 0 || len(h.Append) > 0 || len(h.Sum) > 0) {
			return fmt.Errorf("handlers[%d]: fail excludes reduce directives", i)
		}
		if h.Dispatch != "" {
			if _, _, err := store.ParseEvent(h.Dispatch); err != nil {
				return fmt.Errorf("handlers[%d].dispatch: %w", i, err)
			}
		}
		if h.Store != "" && !s.hasStore(h.Store) {
			return fmt.Errorf("handlers[%d]: unknown store %q", i, h.Store)
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if step.Dispatch == "" {
			return fmt.Errorf("steps[%d]: dispatch is required", i)
		}
		if _, _, err := store.ParseEvent(step.Dispatch); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, s); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, s *Scenario) error {
	switch a.Type {
	case AssertFinalState:
		if a.Namespace == "" {
			return fmt.Errorf("assertions[%d]: namespace is required for final_state", index)
		}
		if !s.hasStore(a.Namespace) {
			return fmt.Errorf("assertions[%d]: unknown store %q", index, a.Namespace)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertStatus:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for status", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

func (s *Scenario) hasStore(namespace string) bool {
	for _, def := range s.Stores {
		if def.Namespace == namespace {
			return true
		}
	}
	return false
}
