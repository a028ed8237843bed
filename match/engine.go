// Package match evaluates detection rule bodies against event documents.
// Each rule kind (regex, jsonpath, standard) has one matching strategy,
// resolved when the rule is compiled rather than key-sniffed on every
// evaluation.
package match

import (
	"fmt"
	"reflect"
	"time"

	"herringbone/core"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dlclark/regexp2"
)

// DefaultRegexTimeout bounds a single regex evaluation. Patterns come
// from rule authors, so evaluation must not be allowed to run away.
const DefaultRegexTimeout = 500 * time.Millisecond

// Result is the outcome of matching one rule body against one document.
type Result struct {
	Matched bool   `json:"matched"`
	Details string `json:"details"`
}

// Strategy matches a compiled rule body against an event document.
type Strategy interface {
	Match(doc map[string]interface{}) Result
}

// CompiledRule pairs a rule with its resolved matching strategy.
type CompiledRule struct {
	Rule     core.Rule
	Kind     core.RuleKind
	strategy Strategy
}

// Match evaluates the compiled strategy against doc.
func (c CompiledRule) Match(doc map[string]interface{}) Result {
	return c.strategy.Match(doc)
}

// Compile resolves a rule's kind and builds its matching strategy. An
// invalid body (unknown kind, bad regex) fails here, at load time.
func Compile(rule core.Rule, regexTimeout time.Duration) (CompiledRule, error) {
	kind, err := rule.Body.Kind()
	if err != nil {
		return CompiledRule{}, fmt.Errorf("rule %q: %w", rule.Name, err)
	}

	var strategy Strategy
	switch kind {
	case core.RuleKindRegex:
		if rule.Body.Key == "" {
			return CompiledRule{}, fmt.Errorf("rule %q: regex rule requires a key path", rule.Name)
		}
		re, err := regexp2.Compile(rule.Body.Regex, regexp2.None)
		if err != nil {
			return CompiledRule{}, fmt.Errorf("rule %q: invalid regex: %w", rule.Name, err)
		}
		if regexTimeout <= 0 {
			regexTimeout = DefaultRegexTimeout
		}
		re.MatchTimeout = regexTimeout
		strategy = &regexStrategy{key: rule.Body.Key, re: re}

	case core.RuleKindJSONPath:
		// Validate the expression up front so a broken path is a load
		// error, not a silent per-event miss.
		if _, err := jsonpath.New(rule.Body.JSONPath); err != nil {
			return CompiledRule{}, fmt.Errorf("rule %q: invalid jsonpath: %w", rule.Name, err)
		}
		strategy = &jsonPathStrategy{path: rule.Body.JSONPath}

	case core.RuleKindStandard:
		if rule.Body.Key == "" {
			return CompiledRule{}, fmt.Errorf("rule %q: standard rule requires a key path", rule.Name)
		}
		strategy = &standardStrategy{key: rule.Body.Key, want: rule.Body.Standard}
	}

	return CompiledRule{Rule: rule, Kind: kind, strategy: strategy}, nil
}

// CompileAll compiles every rule, skipping invalid ones. The returned
// error slice is parallel to the skipped rules.
func CompileAll(rules []core.Rule, regexTimeout time.Duration) ([]CompiledRule, []error) {
	compiled := make([]CompiledRule, 0, len(rules))
	var errs []error
	for _, rule := range rules {
		c, err := Compile(rule, regexTimeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		compiled = append(compiled, c)
	}
	return compiled, errs
}

type regexStrategy struct {
	key string
	re  *regexp2.Regexp
}

func (s *regexStrategy) Match(doc map[string]interface{}) Result {
	value, ok := core.ResolvePath(doc, s.key)
	if !ok {
		return Result{Matched: false, Details: fmt.Sprintf("key path %q did not resolve", s.key)}
	}
	str, ok := value.(string)
	if !ok {
		return Result{Matched: false, Details: fmt.Sprintf("value at %q is not a string", s.key)}
	}
	matched, err := s.re.MatchString(str)
	if err != nil {
		// regexp2 reports a timeout as an error
		return Result{Matched: false, Details: fmt.Sprintf("regex evaluation failed: %v", err)}
	}
	return Result{Matched: matched, Details: "regex evaluation completed"}
}

type jsonPathStrategy struct {
	path string
}

func (s *jsonPathStrategy) Match(doc map[string]interface{}) Result {
	value, err := jsonpath.Get(s.path, map[string]interface{}(doc))
	if err != nil {
		return Result{Matched: false, Details: fmt.Sprintf("jsonpath did not resolve: %v", err)}
	}
	if value == nil {
		return Result{Matched: false, Details: "jsonpath resolved to null"}
	}
	if list, ok := core.AsList(value); ok && len(list) == 0 {
		return Result{Matched: false, Details: "jsonpath resolved to an empty list"}
	}
	return Result{Matched: true, Details: "jsonpath resolved to a value"}
}

type standardStrategy struct {
	key  string
	want interface{}
}

func (s *standardStrategy) Match(doc map[string]interface{}) Result {
	value, ok := core.ResolvePath(doc, s.key)
	if !ok {
		return Result{Matched: false, Details: fmt.Sprintf("key path %q did not resolve", s.key)}
	}
	if reflect.DeepEqual(value, s.want) {
		return Result{Matched: true, Details: "value equals standard"}
	}
	return Result{Matched: false, Details: "value differs from standard"}
}

// Evaluate compiles and matches a rule body in one step. Used by the
// matcher HTTP endpoint, where rules arrive with the request.
func Evaluate(body core.RuleBody, doc map[string]interface{}, regexTimeout time.Duration) (Result, error) {
	compiled, err := Compile(core.Rule{Name: "ad-hoc", Body: body}, regexTimeout)
	if err != nil {
		return Result{}, err
	}
	return compiled.Match(doc), nil
}
