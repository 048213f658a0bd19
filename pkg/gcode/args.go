package gcode

import (
	"strconv"
	"strings"

	"ktcc-go/pkg/errors"
)

// Args holds the parsed parameters of one G-code command.
type Args struct {
	Command string
	params  map[string]string
}

// NewArgs builds an Args from a parameter map, mainly for tests and
// programmatic dispatch.
func NewArgs(command string, params map[string]string) Args {
	p := make(map[string]string, len(params))
	for k, v := range params {
		p[strings.ToUpper(k)] = v
	}
	return Args{Command: strings.ToUpper(command), params: p}
}

// Has checks whether the parameter was given.
func (a Args) Has(key string) bool {
	_, ok := a.params[strings.ToUpper(key)]
	return ok
}

// Get returns the raw parameter value, or the fallback if absent.
func (a Args) Get(key string, fallback ...string) string {
	if v, ok := a.params[strings.ToUpper(key)]; ok {
		return v
	}
	if len(fallback) > 0 {
		return fallback[0]
	}
	return ""
}

// GetInt returns the parameter parsed as an integer.
func (a Args) GetInt(key string, fallback ...int) (int, error) {
	v, ok := a.params[strings.ToUpper(key)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, errors.InvalidStatef("%s: missing required parameter %s", a.Command, strings.ToUpper(key))
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.InvalidStatef("%s: unable to parse %s as integer: %q", a.Command, strings.ToUpper(key), v)
	}
	return n, nil
}

// GetFloat returns the parameter parsed as a float.
func (a Args) GetFloat(key string, fallback ...float64) (float64, error) {
	v, ok := a.params[strings.ToUpper(key)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, errors.InvalidStatef("%s: missing required parameter %s", a.Command, strings.ToUpper(key))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.InvalidStatef("%s: unable to parse %s as float: %q", a.Command, strings.ToUpper(key), v)
	}
	return f, nil
}

// MaybeInt returns a pointer to the parsed integer, or nil if absent.
func (a Args) MaybeInt(key string) (*int, error) {
	if !a.Has(key) {
		return nil, nil
	}
	n, err := a.GetInt(key)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// MaybeFloat returns a pointer to the parsed float, or nil if absent.
func (a Args) MaybeFloat(key string) (*float64, error) {
	if !a.Has(key) {
		return nil, nil
	}
	f, err := a.GetFloat(key)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Params returns a copy of the raw parameter map.
func (a Args) Params() map[string]string {
	result := make(map[string]string, len(a.params))
	for k, v := range a.params {
		result[k] = v
	}
	return result
}
