package config

import (
	"strconv"
	"strings"

	"ktcc-go/pkg/errors"
)

// Section is a single [name] block of the configuration file. Option keys
// are lower-cased at parse time.
type Section struct {
	name    string
	options map[string]string

	// lastKey tracks the most recent option during parsing so indented
	// continuation lines know what to extend.
	lastKey string
}

// Name returns the full section name, including any "type name" suffix.
func (s *Section) Name() string {
	return s.name
}

// Suffix returns the part of the section name after the first space, e.g.
// "1" for "[tool 1]". Empty if the section has no suffix.
func (s *Section) Suffix() string {
	if idx := strings.IndexByte(s.name, ' '); idx >= 0 {
		return strings.TrimSpace(s.name[idx+1:])
	}
	return ""
}

// HasOption checks whether the option is present.
func (s *Section) HasOption(key string) bool {
	_, ok := s.options[strings.ToLower(key)]
	return ok
}

// Get returns the option value. If the option is absent the fallback is
// returned when given, otherwise an error is raised.
func (s *Section) Get(key string, fallback ...string) (string, error) {
	v, ok := s.options[strings.ToLower(key)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return "", errors.Configf("option '%s' in section '%s' must be specified", key, s.name)
	}
	return v, nil
}

// GetInt returns the option parsed as an integer.
func (s *Section) GetInt(key string, fallback ...int) (int, error) {
	v, ok := s.options[strings.ToLower(key)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, errors.Configf("option '%s' in section '%s' must be specified", key, s.name)
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.Configf("unable to parse option '%s' in section '%s' as integer: %q", key, s.name, v)
	}
	return n, nil
}

// GetFloat returns the option parsed as a float.
func (s *Section) GetFloat(key string, fallback ...float64) (float64, error) {
	v, ok := s.options[strings.ToLower(key)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, errors.Configf("option '%s' in section '%s' must be specified", key, s.name)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, errors.Configf("unable to parse option '%s' in section '%s' as float: %q", key, s.name, v)
	}
	return f, nil
}

// GetBool returns the option parsed as a boolean. Accepts true/false,
// yes/no, on/off and 0/1.
func (s *Section) GetBool(key string, fallback ...bool) (bool, error) {
	v, ok := s.options[strings.ToLower(key)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return false, errors.Configf("option '%s' in section '%s' must be specified", key, s.name)
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	}
	return false, errors.Configf("unable to parse option '%s' in section '%s' as boolean: %q", key, s.name, v)
}

// GetFloatList returns the option parsed as a comma-separated list of
// floats.
func (s *Section) GetFloatList(key string, fallback ...[]float64) ([]float64, error) {
	v, ok := s.options[strings.ToLower(key)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return nil, errors.Configf("option '%s' in section '%s' must be specified", key, s.name)
	}
	parts := strings.Split(v, ",")
	result := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, errors.Configf("unable to parse option '%s' in section '%s' as float list: %q", key, s.name, v)
		}
		result = append(result, f)
	}
	return result, nil
}
