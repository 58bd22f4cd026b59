package rag

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/famulus-ai/famulus/pkg/errors"
)

// DefaultMinChars is the minimum document length accepted for indexing.
const DefaultMinChars = 200

// Rule is one content-blocking rule.
type Rule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`

	re *regexp.Regexp
}

// Constitution gates what content may enter the index: a set of regex
// block rules plus a minimum-length floor.
type Constitution struct {
	MinChars int    `yaml:"min_chars"`
	Rules    []Rule `yaml:"rules"`
}

// DefaultConstitution has no block rules, only the length floor.
func DefaultConstitution() *Constitution {
	return &Constitution{MinChars: DefaultMinChars}
}

// LoadConstitution reads and compiles a YAML rules file.
func LoadConstitution(path string) (*Constitution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "failed to read constitution file", err).
			WithContext("path", path)
	}
	var c Constitution
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "malformed constitution file", err).
			WithContext("path", path)
	}
	if c.MinChars <= 0 {
		c.MinChars = DefaultMinChars
	}
	if err := c.compile(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Constitution) compile() error {
	for i := range c.Rules {
		re, err := regexp.Compile(c.Rules[i].Pattern)
		if err != nil {
			return errors.Newf(errors.CodeInvalidInput,
				"invalid constitution pattern %q: %v", c.Rules[i].Name, err)
		}
		c.Rules[i].re = re
	}
	return nil
}

// Check returns nil when text is admissible, or a validation error
// naming the violated rule.
func (c *Constitution) Check(text string) error {
	if len(text) < c.MinChars {
		return errors.Newf(errors.CodeInvalidInput,
			"content below minimum length: %d < %d", len(text), c.MinChars)
	}
	for i := range c.Rules {
		re := c.Rules[i].re
		if re == nil {
			// Rules built in code rather than loaded from YAML.
			var err error
			re, err = regexp.Compile(c.Rules[i].Pattern)
			if err != nil {
				continue
			}
			c.Rules[i].re = re
		}
		if re.MatchString(text) {
			return errors.New(errors.CodeInvalidInput,
				fmt.Sprintf("content blocked by rule %q", c.Rules[i].Name), nil)
		}
	}
	return nil
}
