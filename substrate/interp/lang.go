package interp

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/sandbox-runtime/channel"
	"github.com/wippyai/sandbox-runtime/dispatch"
	"github.com/wippyai/sandbox-runtime/errors"
)

// guestError is an error raised by guest code. It travels the declared
// err branch of run-code rather than failing the call.
type guestError struct {
	typ string
	msg string
}

func (e *guestError) Error() string {
	return e.typ + ": " + e.msg
}

func syntaxErrf(line int, format string, args ...any) *guestError {
	return &guestError{
		typ: "SyntaxError",
		msg: fmt.Sprintf(format, args...) + fmt.Sprintf(" (line %d)", line),
	}
}

func nameErr(name string) *guestError {
	return &guestError{typ: "NameError", msg: fmt.Sprintf("name '%s' is not defined", name)}
}

func typeErrf(format string, args ...any) *guestError {
	return &guestError{typ: "TypeError", msg: fmt.Sprintf(format, args...)}
}

type valueKind uint8

const (
	intKind valueKind = iota
	strKind
)

type value struct {
	kind valueKind
	i    int64
	s    string
}

func intVal(i int64) value  { return value{kind: intKind, i: i} }
func strVal(s string) value { return value{kind: strKind, s: s} }

func (v value) String() string {
	if v.kind == strKind {
		return v.s
	}
	return strconv.FormatInt(v.i, 10)
}

func (v value) typeName() string {
	if v.kind == strKind {
		return "str"
	}
	return "int"
}

// outBuf collects stdout. gather evaluates prints concurrently, so
// writes are locked.
type outBuf struct {
	mu sync.Mutex
	b  strings.Builder
}

func (o *outBuf) WriteString(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.b.WriteString(s)
}

func (o *outBuf) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.b.String()
}

// runState is the shared state of one run-code call. gather goroutines
// evaluate against the same state, so the fuel counter is atomic and
// stdout is locked.
type runState struct {
	inst      *Instance
	ctx       context.Context
	interrupt <-chan struct{}
	limit     uint64
	used      atomic.Uint64
	out       outBuf
}

func (r *runState) checkInterrupt() error {
	select {
	case <-r.interrupt:
		return errors.Cancelled()
	case <-r.ctx.Done():
		return errors.Cancelled()
	default:
		return nil
	}
}

func (r *runState) charge(n uint64) error {
	used := r.used.Add(n)
	if r.limit > 0 && used > r.limit {
		return errors.ResourceLimit(errors.LimitFuel,
			fmt.Sprintf("statement budget of %d exhausted", r.limit))
	}
	return nil
}

// execute parses and runs one unit of code against the instance's
// namespace.
func (in *Instance) execute(run *runState, code string) error {
	stmts, err := parse(code)
	if err != nil {
		return err
	}

	trace := in.table.Bound(dispatch.OpReportTrace)
	for _, st := range stmts {
		if err := run.checkInterrupt(); err != nil {
			return err
		}
		if err := run.charge(1); err != nil {
			return err
		}
		if trace {
			if err := run.reportTrace(st.line); err != nil {
				return err
			}
		}

		v, err := st.expr.eval(run)
		if err != nil {
			return err
		}
		if st.target != "" {
			in.setVar(st.target, v)
		}
	}
	return nil
}

func (r *runState) reportTrace(line int) error {
	event, err := sonic.Marshal(map[string]string{"event": "line"})
	if err != nil {
		return err
	}
	tctx, err := sonic.Marshal(map[string]int{"globals": r.inst.varCount()})
	if err != nil {
		return err
	}

	cc := channel.NewCallContext()
	defer cc.Release()
	cc.PushString(string(tctx))
	cc.PushString(string(event))
	cc.PushU32(uint32(line))
	return r.inst.table.CallImport(r.ctx, dispatch.OpReportTrace, cc)
}

// Lexer.

type tokenKind uint8

const (
	tkIdent tokenKind = iota
	tkInt
	tkString
	tkOp
	tkNewline
	tkEOF
)

type token struct {
	kind tokenKind
	text string
	num  int64
	line int
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func lex(src string) ([]token, error) {
	var toks []token
	line := 1
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++

		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}

		case c == '\n':
			toks = append(toks, token{kind: tkNewline, line: line})
			line++
			i++

		case c == ';':
			toks = append(toks, token{kind: tkNewline, line: line})
			i++

		case c == '\'' || c == '"':
			quote := c
			i++
			var sb strings.Builder
			closed := false
			for i < len(src) && src[i] != '\n' {
				ch := src[i]
				if ch == '\\' {
					if i+1 >= len(src) {
						break
					}
					esc := src[i+1]
					switch esc {
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					case '\\', '\'', '"':
						sb.WriteByte(esc)
					default:
						return nil, syntaxErrf(line, "invalid escape sequence \\%c", esc)
					}
					i += 2
					continue
				}
				if ch == quote {
					closed = true
					i++
					break
				}
				sb.WriteByte(ch)
				i++
			}
			if !closed {
				return nil, syntaxErrf(line, "unterminated string literal")
			}
			toks = append(toks, token{kind: tkString, text: sb.String(), line: line})

		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && src[j] >= '0' && src[j] <= '9' {
				j++
			}
			n, err := strconv.ParseInt(src[i:j], 10, 64)
			if err != nil {
				return nil, syntaxErrf(line, "invalid integer literal %q", src[i:j])
			}
			toks = append(toks, token{kind: tkInt, num: n, line: line})
			i = j

		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tkIdent, text: src[i:j], line: line})
			i = j

		case strings.IndexByte("+-*/%(),=", c) >= 0:
			toks = append(toks, token{kind: tkOp, text: string(c), line: line})
			i++

		default:
			return nil, syntaxErrf(line, "unexpected character %q", string(c))
		}
	}
	toks = append(toks, token{kind: tkEOF, line: line})
	return toks, nil
}

// Parser.

type stmt struct {
	line   int
	target string // assignment target, "" for expression statements
	expr   node
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) cur() token {
	return p.toks[p.pos]
}

func (p *parser) isOp(text string) bool {
	t := p.cur()
	return t.kind == tkOp && t.text == text
}

func parse(src string) ([]stmt, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}

	var stmts []stmt
	for {
		for p.cur().kind == tkNewline {
			p.pos++
		}
		if p.cur().kind == tkEOF {
			break
		}
		st, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, st)

		switch p.cur().kind {
		case tkNewline:
			p.pos++
		case tkEOF:
		default:
			return nil, syntaxErrf(p.cur().line, "unexpected %q after statement", p.cur().text)
		}
	}
	return stmts, nil
}

func (p *parser) parseStmt() (stmt, error) {
	t := p.cur()
	if t.kind == tkIdent && p.pos+1 < len(p.toks) &&
		p.toks[p.pos+1].kind == tkOp && p.toks[p.pos+1].text == "=" {
		p.pos += 2
		e, err := p.parseExpr()
		if err != nil {
			return stmt{}, err
		}
		return stmt{line: t.line, target: t.text, expr: e}, nil
	}

	e, err := p.parseExpr()
	if err != nil {
		return stmt{}, err
	}
	return stmt{line: t.line, expr: e}, nil
}

func (p *parser) parseExpr() (node, error) {
	lhs, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.isOp("+") || p.isOp("-") {
		op := p.cur().text[0]
		line := p.cur().line
		p.pos++
		rhs, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		lhs = &binOp{op: op, lhs: lhs, rhs: rhs, line: line}
	}
	return lhs, nil
}

func (p *parser) parseTerm() (node, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*") || p.isOp("/") || p.isOp("%") {
		op := p.cur().text[0]
		line := p.cur().line
		p.pos++
		rhs, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		lhs = &binOp{op: op, lhs: lhs, rhs: rhs, line: line}
	}
	return lhs, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isOp("-") {
		line := p.cur().line
		p.pos++
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negate{operand: operand, line: line}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.cur()
	switch t.kind {
	case tkInt:
		p.pos++
		return &literal{val: intVal(t.num)}, nil

	case tkString:
		p.pos++
		return &literal{val: strVal(t.text)}, nil

	case tkIdent:
		p.pos++
		if !p.isOp("(") {
			return &varRef{name: t.text, line: t.line}, nil
		}
		p.pos++
		var args []node
		if !p.isOp(")") {
			for {
				a, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				args = append(args, a)
				if p.isOp(",") {
					p.pos++
					continue
				}
				break
			}
		}
		if !p.isOp(")") {
			return nil, syntaxErrf(p.cur().line, "expected ')' in call to %s", t.text)
		}
		p.pos++
		return &call{name: t.text, args: args, line: t.line}, nil

	case tkOp:
		if t.text == "(" {
			p.pos++
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if !p.isOp(")") {
				return nil, syntaxErrf(p.cur().line, "expected ')'")
			}
			p.pos++
			return e, nil
		}
	}
	return nil, syntaxErrf(t.line, "unexpected token %q", t.text)
}

// Evaluation.

type node interface {
	eval(run *runState) (value, error)
}

type literal struct {
	val value
}

func (n *literal) eval(*runState) (value, error) {
	return n.val, nil
}

type varRef struct {
	name string
	line int
}

func (n *varRef) eval(run *runState) (value, error) {
	v, ok := run.inst.getVar(n.name)
	if !ok {
		return value{}, nameErr(n.name)
	}
	return v, nil
}

type negate struct {
	operand node
	line    int
}

func (n *negate) eval(run *runState) (value, error) {
	v, err := n.operand.eval(run)
	if err != nil {
		return value{}, err
	}
	if v.kind != intKind {
		return value{}, typeErrf("bad operand type for unary -: '%s'", v.typeName())
	}
	return intVal(-v.i), nil
}

type binOp struct {
	op   byte
	lhs  node
	rhs  node
	line int
}

func (n *binOp) eval(run *runState) (value, error) {
	l, err := n.lhs.eval(run)
	if err != nil {
		return value{}, err
	}
	r, err := n.rhs.eval(run)
	if err != nil {
		return value{}, err
	}

	if l.kind == intKind && r.kind == intKind {
		switch n.op {
		case '+':
			return intVal(l.i + r.i), nil
		case '-':
			return intVal(l.i - r.i), nil
		case '*':
			return intVal(l.i * r.i), nil
		case '/':
			if r.i == 0 {
				return value{}, &guestError{typ: "ZeroDivisionError", msg: "division by zero"}
			}
			return intVal(l.i / r.i), nil
		case '%':
			if r.i == 0 {
				return value{}, &guestError{typ: "ZeroDivisionError", msg: "integer modulo by zero"}
			}
			return intVal(l.i % r.i), nil
		}
	}
	if l.kind == strKind && r.kind == strKind && n.op == '+' {
		return strVal(l.s + r.s), nil
	}
	return value{}, typeErrf("unsupported operand type(s) for %c: '%s' and '%s'",
		n.op, l.typeName(), r.typeName())
}

type call struct {
	name string
	args []node
	line int
}

func (n *call) eval(run *runState) (value, error) {
	switch n.name {
	case "gather":
		return n.evalGather(run)
	case "print":
		return n.evalPrint(run)
	}

	args := make([]value, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(run)
		if err != nil {
			return value{}, err
		}
		args[i] = v
	}

	switch n.name {
	case "str":
		if len(args) != 1 {
			return value{}, typeErrf("str() takes exactly 1 argument (%d given)", len(args))
		}
		return strVal(args[0].String()), nil

	case "len":
		if len(args) != 1 {
			return value{}, typeErrf("len() takes exactly 1 argument (%d given)", len(args))
		}
		if args[0].kind != strKind {
			return value{}, typeErrf("object of type '%s' has no len()", args[0].typeName())
		}
		return intVal(int64(len(args[0].s))), nil

	case "invoke":
		if len(args) != 2 {
			return value{}, typeErrf("invoke() takes exactly 2 arguments (%d given)", len(args))
		}
		if args[0].kind != strKind || args[1].kind != strKind {
			return value{}, typeErrf("invoke() arguments must be str")
		}
		return evalInvoke(run, args[0].s, args[1].s)

	case "callbacks":
		if len(args) != 0 {
			return value{}, typeErrf("callbacks() takes no arguments (%d given)", len(args))
		}
		return evalListCallbacks(run)

	case "sleep":
		if len(args) != 1 || args[0].kind != intKind {
			return value{}, typeErrf("sleep() takes exactly 1 integer argument")
		}
		return evalSleep(run, args[0].i)

	case "spin":
		if len(args) != 0 {
			return value{}, typeErrf("spin() takes no arguments (%d given)", len(args))
		}
		return evalSpin(run)
	}
	return value{}, nameErr(n.name)
}

func (n *call) evalPrint(run *runState) (value, error) {
	parts := make([]string, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(run)
		if err != nil {
			return value{}, err
		}
		parts[i] = v.String()
	}
	run.out.WriteString(strings.Join(parts, " ") + "\n")
	return intVal(0), nil
}

// evalGather runs each argument on its own goroutine and returns the
// stringified results as a JSON array. Each result lands at its
// argument's position regardless of completion order.
func (n *call) evalGather(run *runState) (value, error) {
	results := make([]string, len(n.args))

	var eg errgroup.Group
	for idx, arg := range n.args {
		eg.Go(func() error {
			v, err := arg.eval(run)
			if err != nil {
				return err
			}
			results[idx] = v.String()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return value{}, err
	}

	payload, err := sonic.Marshal(results)
	if err != nil {
		return value{}, err
	}
	return strVal(string(payload)), nil
}

func evalInvoke(run *runState, name, argsJSON string) (value, error) {
	cc := channel.NewCallContext()
	defer cc.Release()

	cc.PushString(argsJSON)
	cc.PushString(name)
	if err := run.inst.table.CallImport(run.ctx, dispatch.OpInvoke, cc); err != nil {
		return value{}, err
	}

	ok, err := cc.PopResult()
	if err != nil {
		return value{}, err
	}
	payload, err := cc.PopString()
	if err != nil {
		return value{}, err
	}
	if !ok {
		return value{}, &guestError{typ: "RuntimeError", msg: payload}
	}
	return strVal(payload), nil
}

// evalListCallbacks returns the registered callback names as a JSON
// array. The list-callbacks reply is a flattened list: a count
// followed by name, description, schema-json per entry.
func evalListCallbacks(run *runState) (value, error) {
	cc := channel.NewCallContext()
	defer cc.Release()

	if err := run.inst.table.CallImport(run.ctx, dispatch.OpListCallbacks, cc); err != nil {
		return value{}, err
	}

	count, err := cc.PopU32()
	if err != nil {
		return value{}, err
	}
	names := make([]string, 0, count)
	for range count {
		if _, err := cc.PopString(); err != nil { // schema-json
			return value{}, err
		}
		if _, err := cc.PopString(); err != nil { // description
			return value{}, err
		}
		name, err := cc.PopString()
		if err != nil {
			return value{}, err
		}
		names = append(names, name)
	}

	payload, err := sonic.Marshal(names)
	if err != nil {
		return value{}, err
	}
	return strVal(string(payload)), nil
}

func evalSleep(run *runState, ms int64) (value, error) {
	if ms < 0 {
		ms = 0
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()

	select {
	case <-t.C:
		return intVal(0), nil
	case <-run.interrupt:
		return value{}, errors.Cancelled()
	case <-run.ctx.Done():
		return value{}, errors.Cancelled()
	}
}

// evalSpin loops until interrupted or out of fuel. It never yields the
// statement budget voluntarily, which is what deadline tests need.
func evalSpin(run *runState) (value, error) {
	for {
		if err := run.checkInterrupt(); err != nil {
			return value{}, err
		}
		if err := run.charge(1); err != nil {
			return value{}, err
		}
		runtime.Gosched()
	}
}
