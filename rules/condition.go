package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/migadu/ruled/consts"
)

type Field string

const (
	FieldSubject        Field = "subject"
	FieldFrom           Field = "fromAddress"
	FieldTo             Field = "toAddresses"
	FieldSizeBytes      Field = "sizeBytes"
	FieldHasAttachments Field = "hasAttachments"
)

type Operator string

const (
	OpEquals       Operator = "equals"
	OpContains     Operator = "contains"
	OpMatchesRegex Operator = "matchesRegex"
	OpGreaterThan  Operator = "greaterThan"
	OpLessThan     Operator = "lessThan"
)

type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

const (
	MaxDepth       = 16
	MaxChildren    = 64
	MaxValueLength = 1024
)

var fieldOperators = map[Field][]Operator{
	FieldSubject:        {OpEquals, OpContains, OpMatchesRegex},
	FieldFrom:           {OpEquals, OpContains, OpMatchesRegex},
	FieldTo:             {OpEquals, OpContains, OpMatchesRegex},
	FieldSizeBytes:      {OpEquals, OpGreaterThan, OpLessThan},
	FieldHasAttachments: {OpEquals},
}

// Condition is either a leaf comparing one field, or an AND/OR node over
// child conditions. An AND node without children always matches; an OR node
// without children never does.
type Condition struct {
	Logic      Logic        `json:"logic,omitempty" yaml:"logic,omitempty"`
	Conditions []*Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	Field    Field    `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
	Negate   bool     `json:"negate,omitempty" yaml:"negate,omitempty"`

	matcher *leafMatcher
}

type leafMatcher struct {
	str  string
	num  int64
	flag bool
	re   *regexp.Regexp
}

// IsLeaf reports whether c compares a field.
func (c *Condition) IsLeaf() bool { return c.Field != "" }

// ParseCondition decodes and validates a JSON condition.
func ParseCondition(data []byte) (*Condition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: condition is empty", consts.ErrInvalidRuleDefinition)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	var c Condition
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: condition: %v", consts.ErrInvalidRuleDefinition, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// MarshalCondition renders c in its stored form.
func MarshalCondition(c *Condition) ([]byte, error) {
	return json.Marshal(c)
}

// Validate checks c against the grammar and compiles every leaf. It must be
// called before c is shared between goroutines.
func (c *Condition) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: condition is required", consts.ErrInvalidRuleDefinition)
	}
	return c.validate(1, "condition")
}

func (c *Condition) validate(depth int, path string) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", consts.ErrInvalidRuleDefinition, path, fmt.Sprintf(format, args...))
	}
	if c == nil {
		return invalid("null condition")
	}
	if depth > MaxDepth {
		return invalid("nesting deeper than %d", MaxDepth)
	}

	if !c.IsLeaf() {
		switch c.Logic {
		case LogicAnd, LogicOr:
		case "":
			return invalid("either field or logic is required")
		default:
			return invalid("unknown logic %q", c.Logic)
		}
		if c.Operator != "" || c.Value != nil || c.Negate {
			return invalid("logic nodes take no operator, value or negate")
		}
		if len(c.Conditions) > MaxChildren {
			return invalid("more than %d children", MaxChildren)
		}
		for i, child := range c.Conditions {
			if err := child.validate(depth+1, fmt.Sprintf("%s.conditions[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	}

	if c.Logic != "" || len(c.Conditions) > 0 {
		return invalid("a leaf cannot also have logic or children")
	}
	allowed, ok := fieldOperators[c.Field]
	if !ok {
		return invalid("unknown field %q", c.Field)
	}
	if !containsOperator(allowed, c.Operator) {
		return invalid("operator %q is not supported for field %s", c.Operator, c.Field)
	}
	m, err := compileLeaf(c.Field, c.Operator, c.Value)
	if err != nil {
		return invalid("%v", err)
	}
	c.matcher = m
	return nil
}

func containsOperator(ops []Operator, op Operator) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

func compileLeaf(field Field, op Operator, value any) (*leafMatcher, error) {
	switch field {
	case FieldSizeBytes:
		n, ok := toInt64(value)
		if !ok {
			return nil, fmt.Errorf("value must be an integer")
		}
		if n < 0 {
			return nil, fmt.Errorf("value must not be negative")
		}
		return &leafMatcher{num: n}, nil
	case FieldHasAttachments:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("value must be a boolean")
		}
		return &leafMatcher{flag: b}, nil
	}

	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("value must be a string")
	}
	if s == "" {
		return nil, fmt.Errorf("value must not be empty")
	}
	if len(s) > MaxValueLength {
		return nil, fmt.Errorf("value longer than %d bytes", MaxValueLength)
	}
	if op == OpMatchesRegex {
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("invalid regular expression: %v", err)
		}
		return &leafMatcher{str: s, re: re}, nil
	}
	return &leafMatcher{str: strings.ToLower(s)}, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// EvaluateCondition evaluates cond against facts. A nil condition never matches.
func EvaluateCondition(cond *Condition, facts Facts) bool {
	if cond == nil {
		return false
	}
	return cond.Evaluate(facts)
}

// Evaluate is pure. Leaves on absent fields are false whether or not they are
// negated. Leaves that never went through Validate are compiled on the fly;
// leaves that do not compile are false.
func (c *Condition) Evaluate(facts Facts) bool {
	if !c.IsLeaf() {
		switch c.Logic {
		case LogicAnd:
			for _, child := range c.Conditions {
				if child == nil || !child.Evaluate(facts) {
					return false
				}
			}
			return true
		case LogicOr:
			for _, child := range c.Conditions {
				if child != nil && child.Evaluate(facts) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}

	m := c.matcher
	if m == nil {
		var err error
		if m, err = compileLeaf(c.Field, c.Operator, c.Value); err != nil {
			return false
		}
	}

	matched, present := c.match(m, facts)
	if !present {
		return false
	}
	return matched != c.Negate
}

func (c *Condition) match(m *leafMatcher, facts Facts) (matched, present bool) {
	switch c.Field {
	case FieldSubject:
		if facts.Subject == "" {
			return false, false
		}
		return c.matchString(m, facts.Subject), true
	case FieldFrom:
		if facts.From == "" {
			return false, false
		}
		return c.matchString(m, facts.From), true
	case FieldTo:
		present := false
		for _, addr := range facts.To {
			if addr == "" {
				continue
			}
			present = true
			if c.matchString(m, addr) {
				return true, true
			}
		}
		return false, present
	case FieldSizeBytes:
		if facts.SizeBytes == nil {
			return false, false
		}
		size := *facts.SizeBytes
		switch c.Operator {
		case OpEquals:
			return size == m.num, true
		case OpGreaterThan:
			return size > m.num, true
		case OpLessThan:
			return size < m.num, true
		}
		return false, true
	case FieldHasAttachments:
		if facts.HasAttachments == nil {
			return false, false
		}
		return *facts.HasAttachments == m.flag, true
	}
	return false, false
}

func (c *Condition) matchString(m *leafMatcher, value string) bool {
	switch c.Operator {
	case OpEquals:
		return strings.ToLower(value) == m.str
	case OpContains:
		return strings.Contains(strings.ToLower(value), m.str)
	case OpMatchesRegex:
		return m.re.MatchString(value)
	}
	return false
}
