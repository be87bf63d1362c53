/*Package schema validates YAML script configuration against a JSON schema
written in YAML, and fills in the defaults the schema declares.
*/
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNotObject is returned when a configuration is not a mapping
	ErrNotObject = errors.New("schema: configuration must be a mapping")
)

// Validator checks configurations against one compiled schema
type Validator struct {
	raw      map[string]interface{}
	compiled *jsonschema.Schema
}

// Compile parses a YAML JSON-schema document
func Compile(yamlSchema string) (*Validator, error) {
	raw, err := parseYAML(yamlSchema)
	if err != nil {
		return nil, fmt.Errorf("schema: parsing: %w", err)
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("schema: %w", ErrNotObject)
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	const url = "config.json"
	if err := c.AddResource(url, bytes.NewReader(buf)); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema: compiling: %w", err)
	}
	return &Validator{raw: m, compiled: sch}, nil
}

// Validate parses yamlConfig, applies defaults and validates the result.
// An empty document is an empty mapping.
func (v *Validator) Validate(yamlConfig string) (map[string]interface{}, error) {
	var cfg map[string]interface{}
	if strings.TrimSpace(yamlConfig) == "" {
		cfg = map[string]interface{}{}
	} else {
		raw, err := parseYAML(yamlConfig)
		if err != nil {
			return nil, fmt.Errorf("config is not valid YAML: %w", err)
		}
		if raw == nil {
			raw = map[string]interface{}{}
		}
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, ErrNotObject
		}
		cfg = m
	}
	applyDefaults(v.raw, cfg)
	if err := v.compiled.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults copies property defaults of sch into cfg, descending
// into nested objects that are present
func applyDefaults(sch map[string]interface{}, cfg map[string]interface{}) {
	props, _ := sch["properties"].(map[string]interface{})
	for name, p := range props {
		ps, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		if _, present := cfg[name]; !present {
			if d, has := ps["default"]; has {
				cfg[name] = deepCopy(d)
			}
		}
		if sub, ok := cfg[name].(map[string]interface{}); ok {
			applyDefaults(ps, sub)
		}
	}
}

// parseYAML decodes YAML 1.2 into JSON-compatible values: string keyed
// maps, []interface{}, float64 numbers.  Plain y, n, on and off stay strings.
func parseYAML(doc string) (interface{}, error) {
	var raw interface{}
	if err := yaml.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, err
	}
	return normalize(raw)
}

func normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			ks := fmt.Sprint(k)
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	}
	return v, nil
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	}
	return v
}

// Merge returns base with the properties and required fields of extra
// added.  Used to extend a script schema with the block script fields.
func Merge(base, extra string) (string, error) {
	b, err := parseYAML(base)
	if err != nil {
		return "", err
	}
	e, err := parseYAML(extra)
	if err != nil {
		return "", err
	}
	bm, ok := b.(map[string]interface{})
	em, ok2 := e.(map[string]interface{})
	if !ok || !ok2 {
		return "", ErrNotObject
	}
	props, _ := bm["properties"].(map[string]interface{})
	if props == nil {
		props = map[string]interface{}{}
	}
	if ep, ok := em["properties"].(map[string]interface{}); ok {
		for k, v := range ep {
			props[k] = v
		}
	}
	bm["properties"] = props
	req, _ := bm["required"].([]interface{})
	if er, ok := em["required"].([]interface{}); ok {
	next:
		for _, r := range er {
			for _, have := range req {
				if have == r {
					continue next
				}
			}
			req = append(req, r)
		}
	}
	if len(req) > 0 {
		bm["required"] = req
	}
	out, err := yaml.Marshal(bm)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// MustMerge is Merge for schemas known at compile time.  It panics on
// error.
func MustMerge(base, extra string) string {
	s, err := Merge(base, extra)
	if err != nil {
		panic(fmt.Sprintf("schema: merging: %v", err))
	}
	return s
}
