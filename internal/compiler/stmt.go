package compiler

import (
	"github.com/soloverdrive/mondot/internal/bytecode"
	"github.com/soloverdrive/mondot/internal/source"
	"github.com/soloverdrive/mondot/internal/token"
	"github.com/soloverdrive/mondot/internal/value"
)

// chainOp is one collected step of an l-value access chain.
type chainOp struct {
	isIndex bool
	member  string // member name for dot steps
	keyReg  int    // evaluated, 0-adjusted key register for index steps
}

// compileStmt dispatches one statement.
func (p *Parser) compileStmt() {
	line := p.curr.Line

	if p.curr.Kind == token.BAD {
		p.c.pushDiag("Unexpected token: '"+p.curr.Lexeme+"'", p.locHere())
		p.advance()
		return
	}

	// Assignment through an access chain: `name(.member | [expr])* = rhs`.
	// The chain is collected greedily; if no '=' follows, the token cursor
	// rewinds and the statement re-parses as an expression.
	if p.curr.Kind == token.IDENT && p.next.Kind != token.LPAREN {
		if p.tryCompileAssignment(line) {
			return
		}
	}

	// Typed declaration: `T name = expr`.
	if p.curr.Kind == token.IDENT && p.next.Kind == token.IDENT && p.peekToken(2).Kind == token.ASSIGN {
		p.compileTypedDecl(line)
		return
	}

	// Assignment to a name that did not resolve above: the right-hand
	// side still compiles so its diagnostics surface, then the unknown
	// name is reported.
	if p.curr.Kind == token.IDENT && p.next.Kind == token.ASSIGN {
		name := p.curr.Lexeme
		p.advance()
		p.advance()
		res := p.compileExpr(0)
		p.ensureReg(&res, line)
		p.c.pushDiag("Unknown variable: "+name,
			source.Location{Line: line, Column: p.curr.Column, Length: len(name)})
		return
	}

	switch p.curr.Kind {
	case token.VAR:
		p.compileVarDecl(line)
		return
	case token.RETURN:
		p.compileReturn(line)
		return
	case token.IF:
		p.compileIf(line)
		return
	case token.WHILE:
		p.compileWhile(line)
		return
	}

	// Fallback: evaluate the expression and ignore the result.
	res := p.compileExpr(0)
	p.ensureReg(&res, line)
}

// tryCompileAssignment handles both plain `x = rhs` and chained stores.
// Returns false after rewinding when the statement is not an assignment.
func (p *Parser) tryCompileAssignment(line int) bool {
	savePos := p.pos
	name := p.curr.Lexeme
	p.advance()

	loc := p.c.resolveLocal(name)
	if loc == -1 {
		p.rewind(savePos)
		return false
	}

	entry := p.c.localAt(loc)
	tmp := p.c.defineLocal("", entry.Kind, entry.ItemID)
	p.c.Asm.Emit(bytecode.OpMove, line, tmp, loc, 0)

	var chain []chainOp
	failedChain := false
	for p.curr.Kind == token.DOT || p.curr.Kind == token.LBRACKET {
		if p.curr.Kind == token.DOT {
			p.advance()
			if p.curr.Kind != token.IDENT {
				failedChain = true
				break
			}
			chain = append(chain, chainOp{member: p.curr.Lexeme})
			p.advance()
		} else {
			p.advance()
			idx := p.compileExpr(0)
			idxReg := p.ensureReg(&idx, line)
			negOne := p.c.emitConst(value.Int(-1), line)
			p.c.Asm.Emit(bytecode.OpAdd, line, idxReg, idxReg, negOne)
			p.consume(token.RBRACKET, "Expected ']'")
			chain = append(chain, chainOp{isIndex: true, keyReg: idxReg})
		}
	}

	if p.curr.Kind != token.ASSIGN || failedChain {
		p.rewind(savePos)
		return false
	}
	p.advance() // =

	rv := p.compileExpr(0)
	rreg := p.ensureReg(&rv, line)

	if len(chain) == 0 {
		if entry := p.c.localAt(loc); entry != nil && entry.Kind != value.TyUnknown &&
			rv.Type != value.TyUnknown && entry.Kind != rv.Type {
			p.c.pushDiag("Assigning with incompatible type to "+name,
				source.Location{Line: line, Column: p.curr.Column, Length: len(name)})
		}
		p.c.Asm.Emit(bytecode.OpMove, line, loc, rreg, 0)
		return true
	}

	// All but the last step are reads.
	for i := 0; i+1 < len(chain); i++ {
		op := chain[i]
		if op.isIndex {
			tmp = p.compileIndexRead(tmp, op.keyReg, line)
		} else {
			tmp = p.compileMemberRead(tmp, op.member, line)
		}
	}

	last := chain[len(chain)-1]
	if !last.isIndex {
		if entry := p.c.localAt(tmp); entry != nil && entry.ItemID >= 0 {
			for fi, f := range p.c.itemFields(entry.ItemID) {
				if f.Name == last.member {
					p.c.Asm.Emit(bytecode.OpStructSet, line, tmp, fi, rreg)
					return true
				}
			}
		}
		keyReg := p.c.emitConst(p.c.Asm.Heap.NewString(last.member), line)
		p.emitKeyedStore(tmp, keyReg, rreg, line)
		return true
	}
	p.emitKeyedStore(tmp, last.keyReg, rreg, line)
	return true
}

// emitKeyedStore writes through the final chain step: LIST_SET for
// statically list-typed bases, TABLE_SET otherwise.
func (p *Parser) emitKeyedStore(base, keyReg, valReg, line int) {
	if entry := p.c.localAt(base); entry != nil && entry.Kind == value.TyList {
		p.c.Asm.Emit(bytecode.OpListSet, line, base, keyReg, valReg)
	} else {
		p.c.Asm.Emit(bytecode.OpTableSet, line, base, keyReg, valReg)
	}
}

// compileTypedDecl handles `T name = expr`. The declared type becomes the
// expected return type while compiling the right-hand side, steering
// overload resolution.
func (p *Parser) compileTypedDecl(line int) {
	tk, tuid := p.resolveTypeName(p.curr.Lexeme)
	varName := p.next.Lexeme
	p.advance() // type
	p.advance() // name
	p.advance() // =

	prevExpected := p.c.expectedReturn
	if tk != value.TyUnknown {
		p.c.expectedReturn = tk
	}
	res := p.compileExpr(0)
	r := p.ensureReg(&res, line)
	p.c.expectedReturn = prevExpected

	kind := tk
	itemID := -1
	if tk == value.TyItem {
		itemID = tuid
	} else if tk == value.TyUnknown {
		kind = res.Type
		itemID = res.ItemID
	}
	slot := p.c.defineLocal(varName, kind, itemID)
	p.c.Asm.Emit(bytecode.OpMove, line, slot, r, 0)
}

// compileVarDecl handles `var name = expr` with the type inferred from the
// right-hand side.
func (p *Parser) compileVarDecl(line int) {
	p.advance() // var
	if p.curr.Kind != token.IDENT {
		p.c.pushDiag("Expected variable name", p.locHere())
		if p.curr.Kind != token.ASSIGN {
			p.advance()
		}
		return
	}
	name := p.curr.Lexeme
	p.advance()
	p.consume(token.ASSIGN, "Expected '=' after variable name")
	res := p.compileExpr(0)
	r := p.ensureReg(&res, line)
	slot := p.c.defineLocal(name, res.Type, res.ItemID)
	p.c.Asm.Emit(bytecode.OpMove, line, slot, r, 0)
}

func (p *Parser) compileReturn(line int) {
	p.advance() // return
	if p.curr.Kind == token.END || p.curr.Kind == token.RBRACE || p.curr.Kind == token.EOF {
		nilReg := p.c.emitConst(value.Nil(), line)
		p.c.Asm.Emit(bytecode.OpReturn, line, nilReg, 0, 0)
		return
	}
	res := p.compileExpr(0)
	r := p.ensureReg(&res, line)
	p.c.Asm.Emit(bytecode.OpReturn, line, r, 0, 0)
}

func (p *Parser) compileIf(line int) {
	p.advance() // if
	p.consume(token.LPAREN, "Expected '(' after 'if'")
	cond := p.compileExpr(0)
	condReg := p.ensureReg(&cond, line)
	p.consume(token.RPAREN, "Expected ')'")

	elseLabel := p.c.Asm.MakeLabel()
	endLabel := p.c.Asm.MakeLabel()
	p.c.Asm.EmitJump(bytecode.OpJmpFalse, line, condReg, elseLabel)

	p.c.beginScope()
	for p.curr.Kind != token.END && p.curr.Kind != token.ELSE && p.curr.Kind != token.EOF {
		p.compileStmt()
	}
	p.c.endScope()
	p.c.Asm.EmitJump(bytecode.OpJmp, line, 0, endLabel)
	p.c.Asm.BindLabel(elseLabel)

	if p.curr.Kind == token.ELSE {
		p.advance()
		if p.curr.Kind == token.IF {
			p.compileStmt()
		} else {
			p.c.beginScope()
			for p.curr.Kind != token.END && p.curr.Kind != token.EOF {
				p.compileStmt()
			}
			p.c.endScope()
			p.consume(token.END, "Expected 'end' token after else")
		}
	} else {
		p.consume(token.END, "Expected 'end' token after if")
	}
	p.c.Asm.BindLabel(endLabel)
}

func (p *Parser) compileWhile(line int) {
	p.advance() // while
	startLabel := p.c.Asm.MakeLabel()
	endLabel := p.c.Asm.MakeLabel()
	p.c.Asm.BindLabel(startLabel)

	p.consume(token.LPAREN, "Expected '(' after 'while'")
	cond := p.compileExpr(0)
	condReg := p.ensureReg(&cond, line)
	p.consume(token.RPAREN, "Expected ')'")
	p.c.Asm.EmitJump(bytecode.OpJmpFalse, line, condReg, endLabel)

	p.c.beginScope()
	for p.curr.Kind != token.END && p.curr.Kind != token.EOF {
		p.compileStmt()
	}
	p.c.endScope()
	p.c.Asm.EmitJump(bytecode.OpJmp, line, 0, startLabel)
	p.consume(token.END, "Expected 'end' token after while")
	p.c.Asm.BindLabel(endLabel)
}
