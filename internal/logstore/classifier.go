package logstore

import "strings"

// Rule names used by the command surface and the stats view.
const (
	RuleError   = "error"
	RuleSuccess = "success"
	RuleOpen    = "open"
	RuleClose   = "close"
)

// Rule classifies a line by case-insensitive keyword containment.
// A line matches when it contains any of the keywords.
type Rule struct {
	Name     string
	Keywords []string
}

// Match reports whether line contains one of the rule's keywords.
func (r Rule) Match(line string) bool {
	l := strings.ToLower(line)
	for _, k := range r.Keywords {
		if k != "" && strings.Contains(l, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// DefaultRules match the vocabulary the trading workers write, English and Chinese.
func DefaultRules() []Rule {
	return []Rule{
		{Name: RuleError, Keywords: []string{"error", "exception", "fail", "traceback", "失败", "错误", "❌"}},
		{Name: RuleSuccess, Keywords: []string{"success", "成功", "✅"}},
		{Name: RuleOpen, Keywords: []string{"opened", "开仓"}},
		{Name: RuleClose, Keywords: []string{"closed", "平仓"}},
	}
}

// Classifier is an ordered set of named rules.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier. Rules override defaults by name; rules
// with new names are appended. Passing no rules yields DefaultRules.
func NewClassifier(rules ...Rule) *Classifier {
	merged := DefaultRules()
	for _, r := range rules {
		replaced := false
		for i := range merged {
			if merged[i].Name == r.Name {
				merged[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, r)
		}
	}
	return &Classifier{rules: merged}
}

// Rules returns the rules in evaluation order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Rule returns the rule with the given name.
func (c *Classifier) Rule(name string) (Rule, bool) {
	for _, r := range c.rules {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}
