// Package util contains misc internal utilities shared by the commands.
package util

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// LoadConfig layers defaults, the YAML file at path and the environment
// into k.  A missing file is not an error.  Environment variables are
// PREFIX_KEY, with __ separating nested keys, e.g. CSCSIM_MQTT__BROKER.
func LoadConfig(k *koanf.Koanf, defaults interface{}, path, prefix string) error {
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return fmt.Errorf("loading defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) && !strings.Contains(err.Error(), "no such") {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	return k.Load(env.Provider(prefix, ".", EnvKey(k.Keys(), prefix)), nil)
}

// EnvKey returns an env.Provider callback mapping PREFIX_A__B to the
// known key a.b matched without regard to case.  Unknown variables map
// to "" and are skipped.
func EnvKey(keys []string, prefix string) func(string) string {
	return func(s string) string {
		s = strings.ReplaceAll(strings.TrimPrefix(s, prefix), "__", ".")
		for _, k := range keys {
			if strings.EqualFold(k, s) {
				return k
			}
		}
		return ""
	}
}

// ParseLevel maps debug, info, warn and error to a slog level
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}

// SetupLogging installs a text slog handler at level as the default
// logger
func SetupLogging(level string) error {
	l, err := ParseLevel(level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}
