package proxy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads "30s", "1m30s", 30 or "30" (seconds)
// from YAML and JSON, and writes whole seconds as "30s".
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Or returns d, or fallback when d is not positive
func (d Duration) Or(fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) format() string {
	seconds := time.Duration(d).Seconds()
	if seconds == float64(int64(seconds)) {
		return fmt.Sprintf("%.0fs", seconds)
	}
	return fmt.Sprintf("%gs", seconds)
}

// MarshalJSON writes the duration in seconds, e.g. "60s"
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.format())
}

// UnmarshalJSON accepts numbers (seconds) and strings
func (d *Duration) UnmarshalJSON(data []byte) error {
	var number float64
	if err := json.Unmarshal(data, &number); err == nil {
		*d = Duration(time.Duration(number * float64(time.Second)))
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("duration must be a number or string: %w", err)
	}
	return d.parse(text)
}

// MarshalYAML writes the duration in seconds, e.g. "60s"
func (d Duration) MarshalYAML() (any, error) {
	return d.format(), nil
}

// UnmarshalYAML accepts scalar nodes holding seconds or a duration string
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if err := d.parse(node.Value); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

func (d *Duration) parse(value string) error {
	if value == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration format: %q", value)
}
