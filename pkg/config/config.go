// Package config parses the machine configuration file. The format is the
// familiar INI dialect used by printer firmwares: [section name] headers,
// "key: value" or "key = value" options, '#' comments, and indented
// continuation lines that extend the previous option (used for multi-line
// G-code blocks). Section order is preserved because tools must be declared
// after their toolgroup and physical parent.
package config

import (
	"bufio"
	"os"
	"strings"

	"ktcc-go/pkg/errors"
)

// Config holds the parsed configuration file.
type Config struct {
	sections map[string]*Section
	order    []string
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Configf("unable to open config %s: %v", path, err)
	}
	defer f.Close()

	c := &Config{sections: make(map[string]*Section)}
	scanner := bufio.NewScanner(f)
	lineNum := 0
	var current *Section
	for scanner.Scan() {
		lineNum++
		sec, err := c.parseLine(scanner.Text(), lineNum, current)
		if err != nil {
			return nil, err
		}
		current = sec
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Configf("error reading config %s: %v", path, err)
	}
	return c, nil
}

// LoadString parses a configuration from a string.
func LoadString(data string) (*Config, error) {
	c := &Config{sections: make(map[string]*Section)}
	var current *Section
	for i, raw := range strings.Split(data, "\n") {
		sec, err := c.parseLine(raw, i+1, current)
		if err != nil {
			return nil, err
		}
		current = sec
	}
	return c, nil
}

// parseLine handles one raw config line and returns the section subsequent
// option lines belong to.
func (c *Config) parseLine(raw string, lineNum int, current *Section) (*Section, error) {
	line := raw
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		line = line[:idx]
	}
	indented := len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
	line = strings.TrimSpace(line)
	if line == "" {
		return current, nil
	}

	if indented {
		if current == nil || current.lastKey == "" {
			return nil, errors.Configf("continuation line without an option at line %d", lineNum)
		}
		current.options[current.lastKey] += "\n" + line
		return current, nil
	}

	if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
		name := strings.TrimSpace(line[1 : len(line)-1])
		if name == "" {
			return nil, errors.Configf("empty section header at line %d", lineNum)
		}
		if sec, ok := c.sections[name]; ok {
			sec.lastKey = ""
			return sec, nil
		}
		sec := &Section{name: name, options: make(map[string]string)}
		c.sections[name] = sec
		c.order = append(c.order, name)
		return sec, nil
	}

	if current == nil {
		return nil, errors.Configf("option outside of any section at line %d", lineNum)
	}

	kv := strings.SplitN(line, ":", 2)
	if len(kv) != 2 {
		kv = strings.SplitN(line, "=", 2)
	}
	if len(kv) != 2 {
		return nil, errors.Configf("malformed option at line %d: %q", lineNum, strings.TrimSpace(raw))
	}
	key := strings.ToLower(strings.TrimSpace(kv[0]))
	if key == "" {
		return nil, errors.Configf("empty option name at line %d", lineNum)
	}
	current.options[key] = strings.TrimSpace(kv[1])
	current.lastKey = key
	return current, nil
}

// HasSection checks whether a section exists.
func (c *Config) HasSection(name string) bool {
	_, ok := c.sections[name]
	return ok
}

// Section returns a section by name, or an error if missing.
func (c *Config) Section(name string) (*Section, error) {
	sec, ok := c.sections[name]
	if !ok {
		return nil, errors.Configf("section '%s' not found", name)
	}
	return sec, nil
}

// SectionOptional returns a section by name, or nil if missing.
func (c *Config) SectionOptional(name string) *Section {
	return c.sections[name]
}

// PrefixSections returns, in file order, all sections whose name starts with
// the given prefix.
func (c *Config) PrefixSections(prefix string) []*Section {
	var result []*Section
	for _, name := range c.order {
		if strings.HasPrefix(name, prefix) {
			result = append(result, c.sections[name])
		}
	}
	return result
}

// SectionNames returns all section names in file order.
func (c *Config) SectionNames() []string {
	result := make([]string, len(c.order))
	copy(result, c.order)
	return result
}
