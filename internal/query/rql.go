package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nmos-node/core/internal/model"
)

// Expr is one node of a parsed RQL expression tree.
type Expr interface {
	Eval(data map[string]any) bool
}

// ParseRQL parses an RQL query string of the form used by the NMOS
// Query API's query.rql parameter, e.g.
//
//	eq(transport,urn:x-nmos:transport:rtp.mcast)
//	and(eq(format,urn:x-nmos:format:video),gt(version,v1.1))
//
// Supported operators: comparison (eq, ne, lt, le, gt, ge), the boolean
// combinators and/or/not, in, contains, and matches (regex). Argument
// lists are split on top-level commas, so a nested call's own commas
// don't break the split.
func ParseRQL(s string) (Expr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty expression")
	}

	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("malformed call: %q", s)
	}
	name := strings.TrimSpace(s[:open])
	argsStr := s[open+1 : len(s)-1]
	args := splitTopLevel(argsStr)

	switch name {
	case "and", "or":
		if len(args) == 0 {
			return nil, fmt.Errorf("%s requires at least one argument", name)
		}
		clauses := make([]Expr, 0, len(args))
		for _, a := range args {
			sub, err := ParseRQL(strings.TrimSpace(a))
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, sub)
		}
		if name == "and" {
			return &andExpr{clauses}, nil
		}
		return &orExpr{clauses}, nil

	case "not":
		if len(args) != 1 {
			return nil, fmt.Errorf("not requires exactly one argument")
		}
		sub, err := ParseRQL(strings.TrimSpace(args[0]))
		if err != nil {
			return nil, err
		}
		return &notExpr{sub}, nil

	case "eq", "ne", "lt", "le", "gt", "ge":
		if len(args) != 2 {
			return nil, fmt.Errorf("%s requires exactly two arguments", name)
		}
		op := map[string]cmpOp{"eq": opEq, "ne": opNe, "lt": opLt, "le": opLe, "gt": opGt, "ge": opGe}[name]
		return &comparison{path: strings.TrimSpace(args[0]), op: op, value: strings.TrimSpace(args[1])}, nil

	case "in":
		if len(args) != 2 {
			return nil, fmt.Errorf("in requires exactly two arguments")
		}
		list := strings.TrimSpace(args[1])
		list = strings.TrimPrefix(list, "(")
		list = strings.TrimSuffix(list, ")")
		values := splitTopLevel(list)
		for i := range values {
			values[i] = strings.TrimSpace(values[i])
		}
		return &inExpr{path: strings.TrimSpace(args[0]), values: values}, nil

	case "contains":
		if len(args) != 2 {
			return nil, fmt.Errorf("contains requires exactly two arguments")
		}
		return &containsExpr{path: strings.TrimSpace(args[0]), value: strings.TrimSpace(args[1])}, nil

	case "matches":
		if len(args) < 2 {
			return nil, fmt.Errorf("matches requires at least two arguments")
		}
		pattern := strings.TrimSpace(args[1])
		if len(args) >= 3 && strings.Contains(args[2], "i") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("matches: %w", err)
		}
		return &matchesExpr{path: strings.TrimSpace(args[0]), re: re}, nil

	default:
		return nil, fmt.Errorf("unknown RQL operator %q", name)
	}
}

// splitTopLevel splits s on commas that are not nested inside
// parentheses.
func splitTopLevel(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var (
		out   []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

type andExpr struct{ clauses []Expr }

func (e *andExpr) Eval(d map[string]any) bool {
	for _, c := range e.clauses {
		if !c.Eval(d) {
			return false
		}
	}
	return true
}

type orExpr struct{ clauses []Expr }

func (e *orExpr) Eval(d map[string]any) bool {
	for _, c := range e.clauses {
		if c.Eval(d) {
			return true
		}
	}
	return false
}

type notExpr struct{ clause Expr }

func (e *notExpr) Eval(d map[string]any) bool { return !e.clause.Eval(d) }

type cmpOp int

const (
	opEq cmpOp = iota
	opNe
	opLt
	opLe
	opGt
	opGe
)

type comparison struct {
	path  string
	op    cmpOp
	value string
}

func (c *comparison) Eval(d map[string]any) bool {
	actual, ok := getPath(d, c.path)
	if !ok {
		return c.op == opNe
	}
	return compareRQL(stringify(actual), c.value, c.op)
}

type inExpr struct {
	path   string
	values []string
}

func (e *inExpr) Eval(d map[string]any) bool {
	actual, ok := getPath(d, e.path)
	if !ok {
		return false
	}
	s := stringify(actual)
	for _, v := range e.values {
		if s == v {
			return true
		}
	}
	return false
}

type containsExpr struct{ path, value string }

func (e *containsExpr) Eval(d map[string]any) bool {
	actual, ok := getPath(d, e.path)
	if !ok {
		return false
	}
	if arr, ok := actual.([]any); ok {
		for _, item := range arr {
			if stringify(item) == e.value {
				return true
			}
		}
		return false
	}
	return strings.Contains(stringify(actual), e.value)
}

type matchesExpr struct {
	path string
	re   *regexp.Regexp
}

func (e *matchesExpr) Eval(d map[string]any) bool {
	actual, ok := getPath(d, e.path)
	if !ok {
		return false
	}
	return e.re.MatchString(stringify(actual))
}

// compareRQL orders two string values, preferring the typed api_version
// form ("vMAJOR.MINOR") and the store's TAI timestamp form
// ("sec:nsec") over plain numeric or lexicographic comparison, so that
// `gt(version,v1.1)` and similar RQL clauses compare components
// numerically rather than as strings (where "v1.10" would otherwise
// sort before "v1.2").
func compareRQL(actual, literal string, op cmpOp) bool {
	if av, lv, ok := tryAPIVersions(actual, literal); ok {
		return applyOp(av.Compare(lv), op)
	}
	if cmp, ok := tryTimestampPair(actual, literal); ok {
		return applyOp(cmp, op)
	}
	if af, lf, ok := tryNumbers(actual, literal); ok {
		return applyOp(cmpFloat(af, lf), op)
	}
	return applyOp(strings.Compare(actual, literal), op)
}

func tryAPIVersions(a, b string) (model.APIVersion, model.APIVersion, bool) {
	av, err1 := model.ParseAPIVersion(a)
	bv, err2 := model.ParseAPIVersion(b)
	if err1 != nil || err2 != nil {
		return model.APIVersion{}, model.APIVersion{}, false
	}
	return av, bv, true
}

// tryTimestampPair compares two "sec:nsec" strings component-wise,
// returning -1/0/1.
func tryTimestampPair(a, b string) (int, bool) {
	aSec, aNsec, ok1 := parseTimestampPair(a)
	bSec, bNsec, ok2 := parseTimestampPair(b)
	if !ok1 || !ok2 {
		return 0, false
	}
	if aSec != bSec {
		return cmpInt64(aSec, bSec), true
	}
	return cmpInt64(aNsec, bNsec), true
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func parseTimestampPair(s string) (int64, int64, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	sec, err1 := strconv.ParseInt(parts[0], 10, 64)
	nsec, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return sec, nsec, true
}

func tryNumbers(a, b string) (float64, float64, bool) {
	af, err1 := strconv.ParseFloat(a, 64)
	bf, err2 := strconv.ParseFloat(b, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return af, bf, true
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func applyOp(cmp int, op cmpOp) bool {
	switch op {
	case opEq:
		return cmp == 0
	case opNe:
		return cmp != 0
	case opLt:
		return cmp < 0
	case opLe:
		return cmp <= 0
	case opGt:
		return cmp > 0
	case opGe:
		return cmp >= 0
	}
	return false
}
