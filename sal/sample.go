package sal

import (
	"encoding/json"
	"fmt"
)

// Sample is one message from an event or telemetry topic.
// Values are JSON-shaped: numbers arrive as float64 from the network
// transports and as any numeric type from in-process publishers.
type Sample map[string]interface{}

func (s Sample) lookup(key string) (interface{}, error) {
	v, ok := s[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoField, key)
	}
	return v, nil
}

// Float returns the named field as a float64
func (s Sample) Float(key string) (float64, error) {
	v, err := s.lookup(key)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	}
	return 0, fmt.Errorf("field %s: %T is not a number", key, v)
}

// Int returns the named field as an int.  Floats are truncated.
func (s Sample) Int(key string) (int, error) {
	v, err := s.lookup(key)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	}
	f, err := s.Float(key)
	return int(f), err
}

// Ints returns the named array field as ints
func (s Sample) Ints(key string) ([]int, error) {
	v, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case []int:
		return append([]int(nil), t...), nil
	case []interface{}:
		out := make([]int, len(t))
		for i, e := range t {
			n, err := Sample{"v": e}.Int("v")
			if err != nil {
				return nil, fmt.Errorf("field %s[%d]: %T is not a number", key, i, e)
			}
			out[i] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("field %s: %T is not an array", key, v)
}

// Bool returns the named field as a bool
func (s Sample) Bool(key string) (bool, error) {
	v, err := s.lookup(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("field %s: %T is not a bool", key, v)
	}
	return b, nil
}

// String returns the named field as a string
func (s Sample) String(key string) (string, error) {
	v, err := s.lookup(key)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s: %T is not a string", key, v)
	}
	return str, nil
}

// Copy returns a shallow copy of s
func (s Sample) Copy() Sample {
	out := make(Sample, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
