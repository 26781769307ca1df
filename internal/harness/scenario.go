package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/outpost/internal/alert"
	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/ir"
)

// Scenario defines one end-to-end run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Rules lists CUE rule files, relative to the scenario file.
	Rules []string `yaml:"rules"`

	// PriorityOrder is "asc" (default) or "desc".
	PriorityOrder string `yaml:"priority_order,omitempty"`

	// MaxCascadeDepth overrides the engine default when non-zero.
	MaxCascadeDepth int `yaml:"max_cascade_depth,omitempty"`

	// ShardCount defaults to 1.
	ShardCount int `yaml:"shard_count,omitempty"`

	// Consumers are static consumers registered before the run.
	Consumers []ConsumerStep `yaml:"consumers,omitempty"`

	// Emit lists the events enqueued by the business domain, in order.
	Emit []EmitStep `yaml:"emit"`

	// Assertions validate the settled outcome.
	Assertions []Assertion `yaml:"assertions"`
}

// ConsumerStep declares a static consumer.
type ConsumerStep struct {
	Name  string `yaml:"name"`
	Topic string `yaml:"topic"`
	// Fail makes every delivery return an error.
	Fail bool `yaml:"fail,omitempty"`
}

// EmitStep enqueues one event. With Rollback the surrounding transaction
// is rolled back instead of committed, as when a business mutation fails.
type EmitStep struct {
	Topic    string         `yaml:"topic"`
	Action   string         `yaml:"action"`
	UserID   string         `yaml:"user_id,omitempty"`
	Payload  map[string]any `yaml:"payload,omitempty"`
	Tags     []string       `yaml:"tags,omitempty"`
	Sealed   bool           `yaml:"sealed,omitempty"`
	WorkSet  string         `yaml:"work_set,omitempty"`
	WorkItem string         `yaml:"work_item,omitempty"`
	Rollback bool           `yaml:"rollback,omitempty"`
}

// Assertion validates the outcome. Fields used depend on Type.
type Assertion struct {
	Type   string   `yaml:"type"`
	Topic  string   `yaml:"topic,omitempty"`
	Topics []string `yaml:"topics,omitempty"`
	Cause  string   `yaml:"cause,omitempty"`
	Group  string   `yaml:"group,omitempty"`
	Kind   string   `yaml:"kind,omitempty"`
	State  string   `yaml:"state,omitempty"`
	Count  *int     `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertEmitted       = "emitted"
	AssertTraceOrder    = "trace_order"
	AssertCausedBy      = "caused_by"
	AssertNotifications = "notifications"
	AssertAlerts        = "alerts"
	AssertDeadLetters   = "dead_letters"
	AssertState         = "state"
)

// LoadScenario reads and parses a scenario YAML file. Rule paths are
// resolved against the file's directory. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario parses scenario YAML, resolving rule paths against
// basePath.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, p := range scenario.Rules {
		if !filepath.IsAbs(p) && basePath != "" {
			scenario.Rules[i] = filepath.Join(basePath, p)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Emit) == 0 {
		return fmt.Errorf("emit list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.PriorityOrder != "" {
		if _, err := ir.ParsePriorityOrder(s.PriorityOrder); err != nil {
			return err
		}
	}
	if s.ShardCount < 0 {
		return fmt.Errorf("shard_count must be non-negative")
	}

	for _, p := range s.Rules {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("rule file not found: %s", p)
		}
	}

	seen := make(map[string]bool)
	for i, c := range s.Consumers {
		if c.Name == "" {
			return fmt.Errorf("consumers[%d]: name is required", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("consumers[%d]: duplicate name %q", i, c.Name)
		}
		seen[c.Name] = true
		if _, err := event.CompilePattern(c.Topic); err != nil {
			return fmt.Errorf("consumers[%d]: %w", i, err)
		}
	}

	for i, e := range s.Emit {
		if err := event.ValidateTopic(e.Topic); err != nil {
			return fmt.Errorf("emit[%d]: %w", i, err)
		}
		if e.Action == "" {
			return fmt.Errorf("emit[%d]: action is required", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	needCount := func() error {
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for %s", index, a.Type)
		}
		if *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
		return nil
	}
	needPattern := func(p string) error {
		if _, err := event.CompilePattern(p); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertEmitted:
		if err := needPattern(a.Topic); err != nil {
			return err
		}
		return needCount()
	case AssertTraceOrder:
		if len(a.Topics) < 2 {
			return fmt.Errorf("assertions[%d]: trace_order needs at least two topics", index)
		}
		for _, t := range a.Topics {
			if err := needPattern(t); err != nil {
				return err
			}
		}
	case AssertCausedBy:
		if err := needPattern(a.Topic); err != nil {
			return err
		}
		return needPattern(a.Cause)
	case AssertNotifications, AssertDeadLetters:
		return needCount()
	case AssertAlerts:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for alerts", index)
		}
		switch alert.Kind(a.Kind) {
		case alert.KindConsumerFailed, alert.KindActionFailed, alert.KindAppenderFailed,
			alert.KindConditionError, alert.KindDeadLettered, alert.KindCascadeLimit, alert.KindLeaseLost:
		default:
			return fmt.Errorf("assertions[%d]: unknown alert kind %q", index, a.Kind)
		}
		return needCount()
	case AssertState:
		if err := needPattern(a.Topic); err != nil {
			return err
		}
		if _, err := event.ParseState(a.State); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
