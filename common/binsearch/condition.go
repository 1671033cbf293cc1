package binsearch

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

var conditionToken = regexp.MustCompile(`[$#][A-Za-z0-9_]*|[A-Za-z_][A-Za-z0-9_]*|\d+|==|!=|>=|<=|&&|\|\||\S`)

func isIdentByte(c byte, first bool) bool {
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	return !first && c >= '0' && c <= '9'
}

// matchVar and countVar name the CEL variables of a pattern
func matchVar(id string) string { return "s_" + id }
func countVar(id string) string { return "n_" + id }

// translate rewrites a rule condition into a CEL expression over the
// pattern variables
func translate(cond string, ids []string) (string, error) {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}

	tokens := conditionToken.FindAllString(cond, -1)
	out := make([]string, 0, len(tokens))

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok == "and":
			out = append(out, "&&")
		case tok == "or":
			out = append(out, "||")
		case tok == "not":
			out = append(out, "!")
		case tok == "any" || tok == "all":
			if i+2 >= len(tokens) || tokens[i+1] != "of" || tokens[i+2] != "them" {
				return "", fmt.Errorf("expected '%s of them'", tok)
			}
			if len(ids) == 0 {
				return "", fmt.Errorf("'%s of them' without strings", tok)
			}
			op := " || "
			if tok == "all" {
				op = " && "
			}
			vars := make([]string, len(ids))
			for j, id := range ids {
				vars[j] = matchVar(id)
			}
			out = append(out, "("+strings.Join(vars, op)+")")
			i += 2
		case tok == "true" || tok == "false":
			out = append(out, tok)
		case strings.HasPrefix(tok, "$"), strings.HasPrefix(tok, "#"):
			id := tok[1:]
			if !known[id] {
				return "", fmt.Errorf("undefined string %s", tok)
			}
			if tok[0] == '$' {
				out = append(out, matchVar(id))
			} else {
				out = append(out, countVar(id))
			}
		case isIdentByte(tok[0], true):
			return "", fmt.Errorf("unexpected identifier %q", tok)
		default:
			out = append(out, tok)
		}
	}
	return strings.Join(out, " "), nil
}

// Evaluator compiles rule conditions to CEL programs with caching
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new condition evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// Compile translates and compiles cond for a rule with the given pattern ids
func (e *Evaluator) Compile(cond string, ids []string) (cel.Program, error) {
	expr, err := translate(cond, ids)
	if err != nil {
		return nil, err
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	key := strings.Join(sorted, ",") + "|" + expr

	e.mu.RLock()
	prg, exists := e.cache[key]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	prg, err = e.compileCEL(expr, sorted)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = prg
	e.mu.Unlock()
	return prg, nil
}

func (e *Evaluator) compileCEL(expr string, ids []string) (cel.Program, error) {
	opts := make([]cel.EnvOption, 0, 2*len(ids))
	for _, id := range ids {
		opts = append(opts,
			cel.Variable(matchVar(id), cel.BoolType),
			cel.Variable(countVar(id), cel.IntType),
		)
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("condition must be boolean, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// Evaluate runs prg with the match counts of each pattern
func (e *Evaluator) Evaluate(prg cel.Program, counts map[string]int) (bool, error) {
	vars := make(map[string]interface{}, 2*len(counts))
	for id, n := range counts {
		vars[matchVar(id)] = n > 0
		vars[countVar(id)] = int64(n)
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

// CacheSize returns the number of cached programs
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
