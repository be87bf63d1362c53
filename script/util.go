package script

import "fmt"

// FormatAsList expands value to a list of n items.  A scalar is
// repeated; a list must already have n items.
func FormatAsList(value interface{}, n int) ([]interface{}, error) {
	switch v := value.(type) {
	case []interface{}:
		if len(v) != n {
			return nil, fmt.Errorf("size of %v (%d) must be %d", v, len(v), n)
		}
		return v, nil
	case []float64:
		out := make([]interface{}, len(v))
		for i, f := range v {
			out[i] = f
		}
		return FormatAsList(out, n)
	}
	out := make([]interface{}, n)
	for i := range out {
		out[i] = value
	}
	return out, nil
}

// Floats expands value (a number or a list of numbers) to n float64s
func Floats(value interface{}, n int) ([]float64, error) {
	l, err := FormatAsList(value, n)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, v := range l {
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("item %d (%v) is not a number", i, v)
		}
		out[i] = f
	}
	return out, nil
}

// Strings expands value (a string or a list of strings) to n strings.
// nil items stay empty.
func Strings(value interface{}, n int) ([]string, error) {
	l, err := FormatAsList(value, n)
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i, v := range l {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("item %d (%v) is not a string", i, v)
		}
		out[i] = s
	}
	return out, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
