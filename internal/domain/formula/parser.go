package formula

import (
	"fmt"
)

// ══════════════════════════════════════════════════════════════════════════════
// AST
// ══════════════════════════════════════════════════════════════════════════════

// Node - узел дерева выражения.
type Node interface {
	node()
}

// NumberLit - числовая константа.
type NumberLit struct {
	Value float64
}

// Ident - ссылка на переменную из Bindings или на константу NA.
type Ident struct {
	Name string
}

// VectorLit - литерал вектора: [a, b, c].
type VectorLit struct {
	Elems []Node
}

// Unary - унарная операция: -x, not x.
type Unary struct {
	Op string
	X  Node
}

// Binary - бинарная операция.
type Binary struct {
	Op   string
	L, R Node
}

// IndexExpr - индексирование вектора: notes[0].
type IndexExpr struct {
	X     Node
	Index Node
}

// Call - вызов функции из белого списка.
type Call struct {
	Func string
	Args []Node
}

func (NumberLit) node() {}
func (Ident) node()     {}
func (VectorLit) node() {}
func (Unary) node()     {}
func (Binary) node()    {}
func (IndexExpr) node() {}
func (Call) node()      {}

// ══════════════════════════════════════════════════════════════════════════════
// PARSER
// ══════════════════════════════════════════════════════════════════════════════

const (
	// MaxSourceLength - максимальная длина формулы в символах.
	MaxSourceLength = 4096

	// MaxDepth - максимальная глубина вложенности выражения.
	MaxDepth = 64
)

type parser struct {
	tokens []token
	pos    int
	depth  int
}

// Parse разбирает формулу в AST.
func Parse(src string) (Node, error) {
	if len(src) > MaxSourceLength {
		return nil, fmt.Errorf("formula too long: %d > %d", len(src), MaxSourceLength)
	}

	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			return op, true
		}
	}
	return "", false
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > MaxDepth {
		return fmt.Errorf("expression nested deeper than %d", MaxDepth)
	}
	return nil
}

func (p *parser) leave() {
	p.depth--
}

// Приоритеты (от низшего к высшему):
// or < and < not < сравнения < + - < * / < унарный минус < ^ < индекс < первичное.

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("or"); !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: "or", L: left, R: right}
	}
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("and"); !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: "and", L: left, R: right}
	}
}

func (p *parser) parseNot() (Node, error) {
	if _, ok := p.isOp("not"); ok {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return Unary{Op: "not", X: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if op, ok := p.isOp("<", "<=", ">", ">=", "==", "!="); ok {
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return Binary{Op: op, L: left, R: right}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("+", "-")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: op, L: left, R: right}
	}
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("*", "/")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: op, L: left, R: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	if op, ok := p.isOp("-", "+"); ok {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if op == "+" {
			return x, nil
		}
		return Unary{Op: "-", X: x}, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (Node, error) {
	base, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	if _, ok := p.isOp("^"); ok {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		// правоассоциативно: 2^3^2 = 2^(3^2)
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Binary{Op: "^", L: base, R: exp}, nil
	}
	return base, nil
}

func (p *parser) parsePostfix() (Node, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokLBracket {
		p.next()
		idx, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != tokRBracket {
			return nil, fmt.Errorf("expected ] at %d", t.pos)
		}
		x = IndexExpr{X: x, Index: idx}
	}
	return x, nil
}

func (p *parser) parsePrimary() (Node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	t := p.next()
	switch t.kind {
	case tokNumber:
		return NumberLit{Value: t.num}, nil

	case tokIdent:
		if p.peek().kind == tokLParen {
			p.next()
			args, err := p.parseList(tokRParen)
			if err != nil {
				return nil, err
			}
			return Call{Func: t.text, Args: args}, nil
		}
		return Ident{Name: t.text}, nil

	case tokLParen:
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at %d", c.pos)
		}
		return x, nil

	case tokLBracket:
		elems, err := p.parseList(tokRBracket)
		if err != nil {
			return nil, err
		}
		return VectorLit{Elems: elems}, nil

	case tokEOF:
		return nil, fmt.Errorf("unexpected end of formula")
	}
	return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}

// parseList разбирает список выражений через запятую до закрывающего токена.
func (p *parser) parseList(closing tokenKind) ([]Node, error) {
	items := make([]Node, 0)
	if p.peek().kind == closing {
		p.next()
		return items, nil
	}
	for {
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		items = append(items, x)

		t := p.next()
		switch t.kind {
		case tokComma:
			continue
		case closing:
			return items, nil
		default:
			return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
		}
	}
}
