// Copyright 2024 The PromKV Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package parser

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"

	"github.com/promkv/promkv/model/labels"
)

// ParseErr wraps a parsing error with line and position context.
type ParseErr struct {
	PositionRange PositionRange
	Err           error
	Query         string
}

func (e *ParseErr) Error() string {
	pos := int(e.PositionRange.Start)
	lastLineBreak := -1
	line := 1
	for i, c := range e.Query[:pos] {
		if c == '\n' {
			lastLineBreak = i
			line++
		}
	}
	col := pos - lastLineBreak
	return fmt.Sprintf("%d:%d: parse error: %s", line, col, e.Err)
}

type parser struct {
	lex Lexer

	token     [3]Item
	peekCount int

	inBrackets bool
}

// ParseExpr returns the expression parsed from the input.
func ParseExpr(input string) (expr Expr, err error) {
	p := newParser(input)
	defer p.recover(&err)

	expr = p.parseExpr()
	p.expect(EOF, "query")
	return expr, nil
}

// ParseMetricSelector parses the provided textual selector into a list of
// label matchers.
func ParseMetricSelector(input string) (m []*labels.Matcher, err error) {
	p := newParser(input)
	defer p.recover(&err)

	name := ""
	if t := p.peek().Typ; t == METRIC_IDENTIFIER || t == IDENTIFIER {
		name = p.next().Val
	}
	vs := p.vectorSelector(name, p.peek().Pos)
	p.expect(EOF, "selector")
	return vs.LabelMatchers, nil
}

// ParseMetricName parses a metric description of the form
// metric{label="value", ...} into a canonical label set. Only equality
// matchers are permitted.
func ParseMetricName(input string) (lset labels.Labels, err error) {
	ms, err := ParseMetricSelector(input)
	if err != nil {
		return nil, err
	}
	ls := make(labels.Labels, 0, len(ms))
	for _, m := range ms {
		if m.Type != labels.MatchEqual {
			return nil, fmt.Errorf("metric description must only contain equality matchers, got %s", m)
		}
		ls = append(ls, labels.Label{Name: m.Name, Value: m.Value})
	}
	lset = labels.New(ls...)
	if lset.Get(labels.MetricName) == "" {
		return nil, errors.New("missing metric name")
	}
	return lset, nil
}

func newParser(input string) *parser {
	return &parser{
		lex: *Lex(input),
	}
}

// next returns the next token.
func (p *parser) next() Item {
	if p.peekCount > 0 {
		p.peekCount--
	} else {
		t := &p.token[0]
		t.Typ = 0
		t.Val = ""
		p.lex.NextItem(t)
		if t.Typ == ERROR {
			p.errorf("%s", t.Val)
		}
	}
	return p.token[p.peekCount]
}

// peek returns but does not consume the next token.
func (p *parser) peek() Item {
	if p.peekCount > 0 {
		return p.token[p.peekCount-1]
	}
	t := &p.token[0]
	t.Typ = 0
	t.Val = ""
	p.lex.NextItem(t)
	if t.Typ == ERROR {
		p.errorf("%s", t.Val)
	}
	p.peekCount = 1
	return p.token[0]
}

// backup backs the input stream up one token.
func (p *parser) backup() {
	p.peekCount++
}

// errorf formats the error and terminates processing.
func (p *parser) errorf(format string, args ...interface{}) {
	p.error(fmt.Errorf(format, args...))
}

// error terminates processing.
func (p *parser) error(err error) {
	perr := &ParseErr{
		PositionRange: PositionRange{
			Start: p.lex.lastPos,
			End:   Pos(len(p.lex.input)),
		},
		Err:   err,
		Query: p.lex.input,
	}
	panic(perr)
}

// expect consumes the next token and guarantees it has the required type.
func (p *parser) expect(exp ItemType, context string) Item {
	token := p.next()
	if token.Typ != exp {
		p.errorf("unexpected %s in %s, expected %s", token.desc(), context, exp.desc())
	}
	return token
}

// recover is the handler that turns panics into returns from the top level
// of Parse.
func (p *parser) recover(errp *error) {
	e := recover()
	if _, ok := e.(runtime.Error); ok {
		panic(e)
	}
	if e != nil {
		*errp = e.(error)
	}
}

// Operator precedence, lowest to highest. MetricsQL's default/if/ifnot bind
// like or.
func (i ItemType) precedence() int {
	switch i {
	case LOR, LDEFAULT, LIF, LIFNOT:
		return 1
	case LAND, LUNLESS:
		return 2
	case EQLC, NEQ, LTE, LSS, GTE, GTR:
		return 3
	case ADD, SUB:
		return 4
	case MUL, DIV, MOD:
		return 5
	case POW:
		return 6
	default:
		return -1
	}
}

func (i ItemType) isRightAssociative() bool {
	return i == POW
}

// parseExpr parses any expression.
func (p *parser) parseExpr() Expr {
	return p.binaryExpr(p.unaryExpr(), 0)
}

// binaryExpr implements operator precedence climbing over unary expressions.
func (p *parser) binaryExpr(lhs Expr, minPrec int) Expr {
	for {
		op := p.peek().Typ
		prec := op.precedence()
		if prec < 0 || prec < minPrec {
			return lhs
		}
		p.next()

		returnBool := false
		if p.peek().Typ == BOOL {
			if !op.IsComparisonOperator() {
				p.errorf("bool modifier can only be used on comparison operators")
			}
			p.next()
			returnBool = true
		}

		vecMatching := &VectorMatching{Card: CardOneToOne}
		if op.IsSetOperator() {
			vecMatching.Card = CardManyToMany
		}

		// Parse on/ignoring clause.
		if t := p.peek().Typ; t == ON || t == IGNORING {
			p.next()
			vecMatching.On = t == ON
			vecMatching.MatchingLabels = p.labelList()

			// Parse grouping.
			if t := p.peek().Typ; t == GROUP_LEFT || t == GROUP_RIGHT {
				p.next()
				if t == GROUP_LEFT {
					vecMatching.Card = CardManyToOne
				} else {
					vecMatching.Card = CardOneToMany
				}
				if fol := p.peek(); fol.Typ == LEFT_PAREN {
					vecMatching.Include = p.labelList()
				}
			}
		}
		for _, ln := range vecMatching.MatchingLabels {
			for _, ln2 := range vecMatching.Include {
				if ln == ln2 && vecMatching.On {
					p.errorf("label %q must not occur in ON and GROUP clause at once", ln)
				}
			}
		}

		rhs := p.unaryExpr()

		// Bind to the operator of higher precedence first.
		for {
			nextOp := p.peek().Typ
			nextPrec := nextOp.precedence()
			if nextPrec < 0 {
				break
			}
			if nextPrec > prec || (nextPrec == prec && nextOp.isRightAssociative()) {
				rhs = p.binaryExpr(rhs, nextPrec)
				continue
			}
			break
		}

		if lhs.Type() != ValueTypeVector || rhs.Type() != ValueTypeVector {
			if len(vecMatching.MatchingLabels) > 0 {
				p.errorf("vector matching only allowed between vectors")
			}
			vecMatching = nil
		} else if op.IsSetOperator() && vecMatching.Card == CardOneToOne {
			p.errorf("set operations must always be many-to-many")
		}
		if (lhs.Type() == ValueTypeScalar || rhs.Type() == ValueTypeScalar) && op.IsSetOperator() {
			p.errorf("set operator %q not allowed in binary scalar expression", op)
		}

		lhs = &BinaryExpr{
			Op:             op,
			LHS:            lhs,
			RHS:            rhs,
			VectorMatching: vecMatching,
			ReturnBool:     returnBool,
		}
	}
}

// unaryExpr parses a unary expression, then any trailing range/subquery,
// offset and @ modifiers.
func (p *parser) unaryExpr() Expr {
	var e Expr
	switch t := p.peek(); t.Typ {
	case ADD, SUB:
		start := p.next().Pos
		e = p.unaryExpr()

		// Simplify unary expressions for number literals.
		if nl, ok := e.(*NumberLiteral); ok {
			if t.Typ == SUB {
				nl.Val *= -1
			}
			nl.PosRange.Start = start
			return nl
		}
		return &UnaryExpr{Op: t.Typ, Expr: e, StartPos: start}

	default:
		e = p.primaryExpr()
	}

	return p.modifiers(e)
}

// modifiers parses trailing [range], [range:step], offset and @ clauses.
func (p *parser) modifiers(e Expr) Expr {
	for {
		switch p.peek().Typ {
		case LEFT_BRACKET:
			e = p.rangeOrSubquery(e)
		case OFFSET:
			p.next()
			e = p.applyOffset(e)
		case AT:
			p.next()
			e = p.applyAt(e)
		case KEEP_METRIC_NAMES:
			// MetricsQL extension, accepted and treated as a no-op marker.
			p.next()
		default:
			return e
		}
	}
}

func (p *parser) rangeOrSubquery(e Expr) Expr {
	p.next() // Consume '['.
	rangeItem := p.expect(DURATION, "range selector")
	rng := p.parseDuration(rangeItem.Val)

	if p.peek().Typ == COLON {
		p.next()
		var step time.Duration
		if p.peek().Typ == DURATION {
			step = p.parseDuration(p.next().Val)
		}
		end := p.expect(RIGHT_BRACKET, "subquery").Pos
		return &SubqueryExpr{
			Expr:   e,
			Range:  rng,
			Step:   step,
			EndPos: end + 1,
		}
	}

	end := p.expect(RIGHT_BRACKET, "range selector").Pos
	vs, ok := e.(*VectorSelector)
	if !ok {
		p.errorf("ranges only allowed for vector selectors")
	}
	return &MatrixSelector{
		VectorSelector: vs,
		Range:          rng,
		EndPos:         end + 1,
	}
}

func (p *parser) applyOffset(e Expr) Expr {
	neg := false
	if p.peek().Typ == SUB {
		p.next()
		neg = true
	}
	d := p.parseDuration(p.expect(DURATION, "offset").Val)
	if neg {
		d = -d
	}
	switch s := e.(type) {
	case *VectorSelector:
		s.Offset = d
	case *MatrixSelector:
		s.VectorSelector.(*VectorSelector).Offset = d
	case *SubqueryExpr:
		s.Offset = d
	default:
		p.errorf("offset modifier must be preceded by a selector or subquery")
	}
	return e
}

func (p *parser) applyAt(e Expr) Expr {
	t := p.expect(NUMBER, "@ modifier")
	f, err := parseNumber(t.Val)
	if err != nil {
		p.error(err)
	}
	ts := int64(f * 1000)
	vs, ok := e.(*VectorSelector)
	if !ok {
		p.errorf("@ modifier must be preceded by a vector selector")
	}
	vs.Timestamp = &ts
	return e
}

// primaryExpr parses a non-operator expression.
func (p *parser) primaryExpr() Expr {
	switch t := p.next(); {
	case t.Typ == NUMBER:
		f, err := parseNumber(t.Val)
		if err != nil {
			p.error(err)
		}
		return &NumberLiteral{
			Val:      f,
			PosRange: PositionRange{Start: t.Pos, End: t.Pos + Pos(len(t.Val))},
		}

	case t.Typ == DURATION:
		// MetricsQL allows duration literals in scalar positions; they
		// evaluate to seconds.
		d := p.parseDuration(t.Val)
		return &NumberLiteral{
			Val:      d.Seconds(),
			PosRange: PositionRange{Start: t.Pos, End: t.Pos + Pos(len(t.Val))},
		}

	case t.Typ == STRING:
		return &StringLiteral{
			Val:      p.unquoteString(t.Val),
			PosRange: PositionRange{Start: t.Pos, End: t.Pos + Pos(len(t.Val))},
		}

	case t.Typ == LEFT_PAREN:
		e := p.parseExpr()
		end := p.expect(RIGHT_PAREN, "paren expression").Pos
		return &ParenExpr{Expr: e, PosRange: PositionRange{Start: t.Pos, End: end + 1}}

	case t.Typ.IsAggregator():
		p.backup()
		return p.aggrExpr()

	case t.Typ == IDENTIFIER:
		// Inf and NaN parse as numbers despite lexing as identifiers.
		if f, ok := parseSpecialNumber(t.Val); ok {
			return &NumberLiteral{
				Val:      f,
				PosRange: PositionRange{Start: t.Pos, End: t.Pos + Pos(len(t.Val))},
			}
		}
		// Function calls.
		if p.peek().Typ == LEFT_PAREN {
			return p.call(t.Val, t.Pos)
		}
		return p.vectorSelector(t.Val, t.Pos)

	case t.Typ == METRIC_IDENTIFIER:
		return p.vectorSelector(t.Val, t.Pos)

	case t.Typ == LEFT_BRACE:
		p.backup()
		return p.vectorSelector("", t.Pos)
	}

	p.backup()
	p.errorf("no valid expression found, unexpected %s", p.peek().desc())
	return nil
}

// aggrExpr parses an aggregation expression.
func (p *parser) aggrExpr() *AggregateExpr {
	agop := p.next()
	if !agop.Typ.IsAggregator() {
		p.errorf("expected aggregation operator but got %s", agop)
	}
	var grouping []string
	var without bool
	modifiersFirst := false

	if t := p.peek().Typ; t == BY || t == WITHOUT {
		if t == WITHOUT {
			without = true
		}
		p.next()
		grouping = p.labelList()
		modifiersFirst = true
	}

	p.expect(LEFT_PAREN, "aggregation")
	var param Expr
	if agop.Typ.IsAggregatorWithParam() {
		param = p.parseExpr()
		p.expect(COMMA, "aggregation")
	}
	e := p.parseExpr()
	endParen := p.expect(RIGHT_PAREN, "aggregation").Pos
	end := endParen + 1

	if !modifiersFirst {
		if t := p.peek().Typ; t == BY || t == WITHOUT {
			if len(grouping) > 0 {
				p.errorf("aggregation must only contain one grouping clause")
			}
			if t == WITHOUT {
				without = true
			}
			p.next()
			grouping = p.labelList()
		}
	}

	if e.Type() != ValueTypeVector {
		p.errorf("expected vector argument in aggregation expression, got %s", e.Type())
	}

	return &AggregateExpr{
		Op:       agop.Typ,
		Expr:     e,
		Param:    param,
		Grouping: grouping,
		Without:  without,
		PosRange: PositionRange{Start: agop.Pos, End: end},
	}
}

// call parses a function call.
func (p *parser) call(name string, pos Pos) *Call {
	fn, exist := getFunction(name)
	if !exist {
		p.errorf("unknown function with name %q", name)
	}

	p.expect(LEFT_PAREN, "function call")

	var args Expressions
	if p.peek().Typ != RIGHT_PAREN {
		for {
			args = append(args, p.parseExpr())
			if p.peek().Typ != COMMA {
				break
			}
			p.next()
		}
	}
	endParen := p.expect(RIGHT_PAREN, "function call").Pos

	// Check argument count and types.
	na := len(fn.ArgTypes)
	switch {
	case fn.Variadic == 0 && na != len(args):
		p.errorf("expected %d argument(s) in call to %q, got %d", na, fn.Name, len(args))
	case fn.Variadic > 0 && (len(args) < na-fn.Variadic || len(args) > na):
		p.errorf("expected at most %d argument(s) in call to %q, got %d", na, fn.Name, len(args))
	case fn.Variadic < 0 && len(args) < na-1:
		p.errorf("expected at least %d argument(s) in call to %q, got %d", na-1, fn.Name, len(args))
	}
	for i, arg := range args {
		at := fn.ArgTypes[min(i, na-1)]
		if arg.Type() != at {
			p.errorf("expected type %s in call to function %q, got %s", at, fn.Name, arg.Type())
		}
	}

	return &Call{
		Func:     fn,
		Args:     args,
		PosRange: PositionRange{Start: pos, End: endParen + 1},
	}
}

// vectorSelector parses a metric selector, optionally with a name already
// consumed.
func (p *parser) vectorSelector(name string, pos Pos) *VectorSelector {
	var matchers []*labels.Matcher
	end := pos + Pos(len(name))

	if p.peek().Typ == LEFT_BRACE {
		p.next()
		for p.peek().Typ != RIGHT_BRACE {
			label := p.next()
			if label.Typ != IDENTIFIER && !label.Typ.IsKeyword() && !label.Typ.IsAggregator() && !label.Typ.IsOperator() {
				p.errorf("unexpected %s in label matching, expected label name", label.desc())
			}

			op := p.next().Typ
			var matchType labels.MatchType
			switch op {
			case EQL:
				matchType = labels.MatchEqual
			case NEQ:
				matchType = labels.MatchNotEqual
			case EQL_REGEX:
				matchType = labels.MatchRegexp
			case NEQ_REGEX:
				matchType = labels.MatchNotRegexp
			default:
				p.errorf("expected label matching operator but got %s", op)
			}

			val := p.unquoteString(p.expect(STRING, "label matching").Val)

			m, err := labels.NewMatcher(matchType, label.Val, val)
			if err != nil {
				p.error(err)
			}
			matchers = append(matchers, m)

			if p.peek().Typ == COMMA {
				p.next()
				continue
			}
			break
		}
		end = p.expect(RIGHT_BRACE, "label matching").Pos + 1
	}

	if name != "" {
		m, err := labels.NewMatcher(labels.MatchEqual, labels.MetricName, name)
		if err != nil {
			p.error(err)
		}
		for _, prev := range matchers {
			if prev.Name == labels.MetricName {
				p.errorf("metric name must not be set twice: %q or %q", name, prev.Value)
			}
		}
		matchers = append(matchers, m)
	}

	if len(matchers) == 0 {
		p.errorf("vector selector must contain at least one non-empty matcher")
	}
	// A Vector selector must contain at least one non-empty matcher to
	// prevent implicit selection of all metrics (e.g. by a typo).
	notEmpty := false
	for _, lm := range matchers {
		if lm != nil && !lm.MatchesEmpty() {
			notEmpty = true
			break
		}
	}
	if !notEmpty {
		p.errorf("vector selector must contain at least one non-empty matcher")
	}

	return &VectorSelector{
		Name:          name,
		LabelMatchers: matchers,
		PosRange:      PositionRange{Start: pos, End: end},
	}
}

// labelList parses a parenthesized list of label names.
func (p *parser) labelList() []string {
	p.expect(LEFT_PAREN, "grouping opts")
	labelNames := []string{}
	if p.peek().Typ == RIGHT_PAREN {
		p.next()
		return labelNames
	}
	for {
		id := p.next()
		if id.Typ != IDENTIFIER && !id.Typ.IsKeyword() && !id.Typ.IsAggregator() {
			p.errorf("unexpected %s in grouping opts, expected label", id.desc())
		}
		labelNames = append(labelNames, id.Val)
		if p.peek().Typ != COMMA {
			break
		}
		p.next()
	}
	p.expect(RIGHT_PAREN, "grouping opts")
	return labelNames
}

func (p *parser) unquoteString(s string) string {
	unq, err := unquote(s)
	if err != nil {
		p.errorf("error unquoting string %q: %s", s, err)
	}
	return unq
}

func unquote(s string) (string, error) {
	if len(s) >= 2 && s[0] == '`' {
		return s[1 : len(s)-1], nil
	}
	if len(s) >= 2 && s[0] == '\'' {
		s = "\"" + strings.ReplaceAll(s[1:len(s)-1], `\'`, "'") + "\""
	}
	return strconv.Unquote(s)
}

func (p *parser) parseDuration(s string) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		p.error(err)
	}
	return d
}

// ParseDuration parses a Prometheus duration string like "1h30m".
func ParseDuration(s string) (time.Duration, error) {
	d, err := model.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, errors.New("duration must be greater than 0")
	}
	return time.Duration(d), nil
}

func parseNumber(s string) (float64, error) {
	n, err := strconv.ParseInt(s, 0, 64)
	if err == nil {
		return float64(n), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing number: %w", err)
	}
	return f, nil
}

func parseSpecialNumber(s string) (float64, bool) {
	switch strings.ToLower(s) {
	case "inf":
		return math.Inf(1), true
	case "nan":
		return math.NaN(), true
	}
	return 0, false
}
