package compiler

import (
	"slices"
	"strconv"
	"strings"

	"github.com/soloverdrive/mondot/internal/builtins"
	"github.com/soloverdrive/mondot/internal/bytecode"
	"github.com/soloverdrive/mondot/internal/source"
	"github.com/soloverdrive/mondot/internal/token"
	"github.com/soloverdrive/mondot/internal/value"
)

// ExprResult is the outcome of compiling a sub-expression: either a
// compile-time constant or a register holding the emitted result.
type ExprResult struct {
	IsConst bool
	Const   value.Value
	Reg     int
	Type    value.TypeKind
	ItemID  int
}

func constResult(v value.Value, t value.TypeKind) ExprResult {
	return ExprResult{IsConst: true, Const: v, Reg: -1, Type: t, ItemID: -1}
}

func regResult(reg int, t value.TypeKind, itemID int) ExprResult {
	return ExprResult{Reg: reg, Type: t, ItemID: itemID}
}

// ensureReg materializes a pending constant into a fresh OP_CONST register
// and returns the register holding the expression value.
func (p *Parser) ensureReg(er *ExprResult, line int) int {
	if er.IsConst {
		r := p.c.emitConst(er.Const, line)
		er.Reg = r
		er.IsConst = false
		return r
	}
	if er.Reg != -1 {
		return er.Reg
	}
	r := p.c.emitConst(value.Nil(), line)
	er.Reg = r
	return r
}

// parseNumberScaled quantizes a numeric literal to Q32.32. The fractional
// part is limited to nine digits before quantization; rounding is half-up
// in exact integer arithmetic.
func parseNumberScaled(lex string) int64 {
	dot := strings.IndexByte(lex, '.')
	if dot < 0 {
		n, err := strconv.ParseInt(lex, 10, 64)
		if err != nil {
			n = 0
		}
		return n << value.IntScaledShift
	}
	var intPart int64
	if dot > 0 {
		if n, err := strconv.ParseInt(lex[:dot], 10, 64); err == nil {
			intPart = n
		}
	}
	frac := lex[dot+1:]
	if len(frac) > 9 {
		frac = frac[:9]
	}
	if frac == "" {
		return intPart << value.IntScaledShift
	}
	fracInt, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		fracInt = 0
	}
	pow10 := uint64(1)
	for range frac {
		pow10 *= 10
	}
	fracQ := (fracInt<<value.IntScaledShift + pow10/2) / pow10
	return intPart<<value.IntScaledShift + int64(fracQ)
}

func binaryOpFor(k token.Kind) (bytecode.OpCode, int, bool) {
	switch k {
	case token.STAR:
		return bytecode.OpMul, 3, true
	case token.SLASH:
		return bytecode.OpDiv, 3, true
	case token.PLUS:
		return bytecode.OpAdd, 2, true
	case token.MINUS:
		return bytecode.OpSub, 2, true
	case token.LT:
		return bytecode.OpLt, 1, true
	case token.GT:
		return bytecode.OpGt, 1, true
	case token.EQ:
		return bytecode.OpEq, 1, true
	}
	return 0, 0, false
}

// compileExpr compiles with Pratt-style precedence: `* /` over `+ -` over
// comparisons. Constant pairs fold at parse time when both operands are
// numeric, boolean (equality) or strings (equality, structural).
func (p *Parser) compileExpr(minPrec int) ExprResult {
	left := p.compileAtom()
	for {
		opcode, prec, ok := binaryOpFor(p.curr.Kind)
		if !ok || prec < minPrec {
			break
		}
		p.advance()
		right := p.compileExpr(prec + 1)

		if left.IsConst && right.IsConst {
			if folded, ok := p.foldConstants(opcode, left, right); ok {
				left = folded
				continue
			}
		}

		leftReg := p.ensureReg(&left, p.curr.Line)
		rightReg := p.ensureReg(&right, p.curr.Line)

		resultT := value.TyUnknown
		switch opcode {
		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv:
			resultT = value.TyNumber
		case bytecode.OpLt, bytecode.OpGt, bytecode.OpEq:
			resultT = value.TyBool
		}

		dest := p.c.defineLocal("", resultT, -1)
		p.c.Asm.Emit(opcode, p.curr.Line, dest, leftReg, rightReg)
		left = regResult(dest, resultT, -1)
	}
	return left
}

// foldConstants evaluates a constant-constant pair at parse time. Division
// by zero falls back to runtime, which yields nil.
func (p *Parser) foldConstants(opcode bytecode.OpCode, left, right ExprResult) (ExprResult, bool) {
	lv, rv := left.Const, right.Const
	switch opcode {
	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv:
		if !lv.IsNum() || !rv.IsNum() {
			return ExprResult{}, false
		}
		a, b := lv.AsScaled(), rv.AsScaled()
		var q int64
		switch opcode {
		case bytecode.OpAdd:
			q = a + b
		case bytecode.OpSub:
			q = a - b
		case bytecode.OpMul:
			q = value.MulScaled(a, b)
		case bytecode.OpDiv:
			if b == 0 {
				return ExprResult{}, false
			}
			q = value.DivScaled(a, b)
		}
		return constResult(value.Scaled(q), value.TyNumber), true

	case bytecode.OpLt, bytecode.OpGt, bytecode.OpEq:
		if lv.IsNum() && rv.IsNum() {
			a, b := lv.AsScaled(), rv.AsScaled()
			var res bool
			switch opcode {
			case bytecode.OpLt:
				res = a < b
			case bytecode.OpGt:
				res = a > b
			default:
				res = a == b
			}
			return constResult(value.Bool(res), value.TyBool), true
		}
		if opcode == bytecode.OpEq && lv.IsBool() && rv.IsBool() {
			return constResult(value.Bool(lv.AsBool() == rv.AsBool()), value.TyBool), true
		}
		if opcode == bytecode.OpEq && lv.IsObj() && rv.IsObj() {
			h := p.c.Asm.Heap
			if h.Kind(lv) == value.ObjString && h.Kind(rv) == value.ObjString {
				return constResult(value.Bool(h.StringVal(lv) == h.StringVal(rv)), value.TyBool), true
			}
		}
	}
	return ExprResult{}, false
}

// compileAtom compiles literals, list displays, grouped expressions,
// variables with access chains and function calls.
func (p *Parser) compileAtom() ExprResult {
	line := p.curr.Line

	switch p.curr.Kind {
	case token.BAD:
		p.c.pushDiag("Unknown token: '"+p.curr.Lexeme+"'", p.locHere())
		p.advance()
		r := p.c.emitConst(value.Nil(), line)
		return regResult(r, value.TyUnknown, -1)

	case token.NUMBER:
		q := parseNumberScaled(p.curr.Lexeme)
		p.advance()
		return constResult(value.Scaled(q), value.TyNumber)

	case token.STRING:
		s := p.c.Asm.Heap.NewString(p.curr.Lexeme)
		p.advance()
		return constResult(s, value.TyString)

	case token.BOOL:
		b := p.curr.Lexeme == "true"
		p.advance()
		return constResult(value.Bool(b), value.TyBool)

	case token.NIL:
		p.advance()
		return constResult(value.Nil(), value.TyUnknown)

	case token.LBRACKET:
		return p.compileListLiteral(line)

	case token.IDENT:
		return p.compileIdent(line)

	case token.LPAREN:
		p.advance()
		res := p.compileExpr(0)
		p.consume(token.RPAREN, "Expected ')'")
		return res
	}

	p.c.pushDiag("Invalid expression", p.locHere())
	r := p.c.emitConst(value.Nil(), line)
	if p.curr.Kind != token.EOF {
		p.advance()
	}
	return regResult(r, value.TyUnknown, -1)
}

func (p *Parser) compileListLiteral(line int) ExprResult {
	p.advance() // [
	dest := p.c.defineLocal("", value.TyList, -1)
	p.c.Asm.Emit(bytecode.OpListNew, line, dest, 0, 0)
	if p.curr.Kind != token.RBRACKET {
		for {
			el := p.compileExpr(0)
			elReg := p.ensureReg(&el, line)
			p.c.Asm.Emit(bytecode.OpListPush, line, dest, elReg, 0)
			if p.curr.Kind == token.COMMA {
				p.advance()
				continue
			}
			break
		}
	}
	if p.curr.Kind == token.RBRACKET {
		p.advance()
	} else {
		p.consume(token.RBRACKET, "Expected ']'")
	}
	return regResult(dest, value.TyList, -1)
}

// compileIdent handles calls, plain variables and read-mode access chains.
func (p *Parser) compileIdent(line int) ExprResult {
	name := p.curr.Lexeme
	p.advance()

	if p.curr.Kind == token.LPAREN {
		return p.compileCall(name, line)
	}

	loc := p.c.resolveLocal(name)
	if loc == -1 {
		p.c.pushDiag("Undefined variable: "+name, source.Location{Line: line, Column: p.curr.Column, Length: len(name)})
		r := p.c.emitConst(value.Nil(), line)
		p.skipChainAfterError(line)
		return regResult(r, value.TyUnknown, -1)
	}

	entry := p.c.localAt(loc)
	tmp := p.c.defineLocal("", entry.Kind, entry.ItemID)
	p.c.Asm.Emit(bytecode.OpMove, line, tmp, loc, 0)

	for {
		switch p.curr.Kind {
		case token.DOT:
			p.advance()
			switch p.curr.Kind {
			case token.IDENT:
				member := p.curr.Lexeme
				p.advance()
				tmp = p.compileMemberRead(tmp, member, line)
			case token.NUMBER:
				idx, err := strconv.ParseInt(p.curr.Lexeme, 10, 64)
				if err != nil {
					idx = 0
				}
				p.advance()
				idxReg := p.c.emitConst(value.Int(idx-1), line)
				tmp = p.compileIndexRead(tmp, idxReg, line)
			default:
				p.c.pushDiag("Unexpected token after '.'", p.locHere())
				e := p.c.localAt(tmp)
				return regResult(tmp, e.Kind, e.ItemID)
			}
		case token.LBRACKET:
			p.advance()
			idx := p.compileExpr(0)
			idxReg := p.ensureReg(&idx, line)
			p.consume(token.RBRACKET, "Expected ']'")
			// Indices are 1-based in source; adjust before the read.
			negOne := p.c.emitConst(value.Int(-1), line)
			p.c.Asm.Emit(bytecode.OpAdd, line, idxReg, idxReg, negOne)
			tmp = p.compileIndexRead(tmp, idxReg, line)
		default:
			e := p.c.localAt(tmp)
			return regResult(tmp, e.Kind, e.ItemID)
		}
	}
}

// compileMemberRead emits one `.member` step: STRUCT_GET when the static
// item type has the field, otherwise a keyed lookup.
func (p *Parser) compileMemberRead(base int, member string, line int) int {
	if entry := p.c.localAt(base); entry != nil && entry.ItemID >= 0 {
		for fi, f := range p.c.itemFields(entry.ItemID) {
			if f.Name == member {
				dest := p.c.defineLocal("", f.Kind, -1)
				p.c.Asm.Emit(bytecode.OpStructGet, line, dest, base, fi)
				return dest
			}
		}
	}
	keyReg := p.c.emitConst(p.c.Asm.Heap.NewString(member), line)
	return p.compileIndexRead(base, keyReg, line)
}

// compileIndexRead emits LIST_GET for statically list-typed bases and the
// generic INDEX otherwise.
func (p *Parser) compileIndexRead(base, keyReg, line int) int {
	dest := p.c.defineLocal("", value.TyUnknown, -1)
	if entry := p.c.localAt(base); entry != nil && entry.Kind == value.TyList {
		p.c.Asm.Emit(bytecode.OpListGet, line, dest, base, keyReg)
	} else {
		p.c.Asm.Emit(bytecode.OpIndex, line, dest, base, keyReg)
	}
	return dest
}

// skipChainAfterError consumes a trailing access chain after an undefined
// variable so one diagnostic does not cascade.
func (p *Parser) skipChainAfterError(line int) {
	for p.curr.Kind == token.DOT || p.curr.Kind == token.LBRACKET {
		if p.curr.Kind == token.DOT {
			p.advance()
			if p.curr.Kind == token.IDENT {
				p.advance()
				if p.curr.Kind == token.LPAREN {
					p.advance()
					safety := 0
					for p.curr.Kind != token.RPAREN && p.curr.Kind != token.EOF && safety < consumeSafetyBound {
						ignored := p.compileExpr(0)
						p.ensureReg(&ignored, line)
						safety++
						if p.curr.Kind == token.COMMA {
							p.advance()
							continue
						}
						break
					}
					if p.curr.Kind == token.RPAREN {
						p.advance()
					}
				}
			} else if p.curr.Kind == token.NUMBER {
				p.advance()
			} else {
				return
			}
		} else {
			p.advance()
			safety := 0
			for p.curr.Kind != token.RBRACKET && p.curr.Kind != token.EOF && safety < consumeSafetyBound {
				ignored := p.compileExpr(0)
				p.ensureReg(&ignored, line)
				safety++
				if p.curr.Kind == token.COMMA {
					p.advance()
					continue
				}
				break
			}
			if p.curr.Kind == token.RBRACKET {
				p.advance()
			}
		}
	}
}

// compileCall compiles argument expressions first; their types drive
// overload resolution. Item constructors expand inline, builtins go through
// CALL_OBJ, user functions marshal arguments after the destination slot.
func (p *Parser) compileCall(name string, line int) ExprResult {
	p.advance() // (
	var argExprs []ExprResult
	if p.curr.Kind != token.RPAREN {
		for {
			argExprs = append(argExprs, p.compileExpr(0))
			if p.curr.Kind == token.COMMA {
				p.advance()
				continue
			}
			break
		}
	}
	p.consume(token.RPAREN, "Expected ')'")

	argRegs := make([]int, len(argExprs))
	argTypes := make([]value.TypeKind, len(argExprs))
	for i := range argExprs {
		argRegs[i] = p.ensureReg(&argExprs[i], line)
		argTypes[i] = argExprs[i].Type
	}

	fs := p.c.resolveFunction(name, argTypes)
	if fs == nil {
		hint := "Unknown function or invalid overload: " + name
		if overloads, ok := p.c.functionTable[name]; ok {
			hint += ". Available overloads: "
			for i, ofs := range overloads {
				if i > 0 {
					hint += " | "
				}
				hint += ofs.Name + "("
				for j, pt := range ofs.ParamTypes {
					if j > 0 {
						hint += ", "
					}
					hint += pt.String()
				}
				hint += ")"
			}
		}
		p.c.pushDiag(hint, source.Location{Line: line, Column: 1, Length: len(name)})
		r := p.c.emitConst(value.Nil(), line)
		return regResult(r, value.TyUnknown, -1)
	}

	// Item constructor: allocate the struct and set each field in place.
	if fs.ReturnItemID >= 0 && fs.LabelID < 0 && !fs.IsBuiltin {
		itemID := fs.ReturnItemID
		fields := p.c.itemFields(itemID)
		dest := p.c.defineLocal("", value.TyItem, itemID)
		p.c.Asm.Emit(bytecode.OpStructNew, line, dest, itemID, len(fields))
		for i := 0; i < len(argRegs) && i < len(fields); i++ {
			p.c.Asm.Emit(bytecode.OpStructSet, line, dest, i, argRegs[i])
		}
		return regResult(dest, value.TyItem, itemID)
	}

	if fs.IsBuiltin {
		bid := builtins.Lookup(fs.Name, fs.ParamTypes)
		// Lookup matches parameter types only; prefer the entry whose
		// return type also matches the resolved overload.
		for i, be := range builtins.All() {
			if be.Name == fs.Name && be.ReturnType == fs.ReturnType && slices.Equal(be.ParamTypes, fs.ParamTypes) {
				bid = i
				break
			}
		}
		fnVal := p.c.Asm.Heap.NewFunction(value.FuncDesc{
			BuiltinID:  bid,
			ReturnType: fs.ReturnType,
			ParamTypes: fs.ParamTypes,
			Name:       fs.Name,
		})
		funcReg := p.c.emitConst(fnVal, line)

		dest := p.c.defineLocal("", fs.ReturnType, -1)
		callArgSlots := make([]int, len(argRegs))
		for i := range argRegs {
			pk := value.TyUnknown
			if i < len(fs.ParamTypes) {
				pk = fs.ParamTypes[i]
			}
			callArgSlots[i] = p.c.defineLocal("", pk, -1)
		}
		for i, src := range argRegs {
			p.c.Asm.Emit(bytecode.OpMove, line, callArgSlots[i], src, 0)
		}
		p.c.Asm.EmitCallObj(line, dest, funcReg, len(argRegs))
		return regResult(dest, fs.ReturnType, -1)
	}

	dest := p.emitUserCall(line, fs, argRegs)
	return regResult(dest, fs.ReturnType, fs.ReturnItemID)
}

// emitUserCall copies argument registers into the contiguous slots after
// the destination, then emits OP_CALL through the function's label.
func (p *Parser) emitUserCall(line int, fs *FunctionSig, argRegs []int) int {
	dest := p.c.defineLocal("", fs.ReturnType, fs.ReturnItemID)
	callArgSlots := make([]int, len(argRegs))
	for i := range argRegs {
		pk := value.TyUnknown
		if i < len(fs.ParamTypes) {
			pk = fs.ParamTypes[i]
		}
		callArgSlots[i] = p.c.defineLocal("", pk, -1)
	}
	for i, src := range argRegs {
		p.c.Asm.Emit(bytecode.OpMove, line, callArgSlots[i], src, 0)
	}
	p.c.Asm.EmitCall(line, dest, fs.LabelID, len(argRegs))
	return dest
}
