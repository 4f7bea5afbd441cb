package compiler

import (
	"github.com/soloverdrive/mondot/internal/bytecode"
	"github.com/soloverdrive/mondot/internal/lexer"
	"github.com/soloverdrive/mondot/internal/source"
	"github.com/soloverdrive/mondot/internal/token"
	"github.com/soloverdrive/mondot/internal/value"
)

// consumeSafetyBound caps how far consume skips while resynchronizing.
const consumeSafetyBound = 2000

// Parser walks the token vector once, emitting instructions as it goes.
type Parser struct {
	c      *Compiler
	tokens []token.Token
	pos    int
	curr   token.Token
	next   token.Token
}

func newParser(c *Compiler, src string) *Parser {
	p := &Parser{c: c, tokens: lexer.Tokenize(src)}
	p.pos = 0
	p.curr = p.tokens[0]
	if len(p.tokens) > 1 {
		p.next = p.tokens[1]
	} else {
		p.next = p.tokens[0]
	}
	return p
}

func (p *Parser) peekToken(lookahead int) token.Token {
	i := p.pos + lookahead
	if i < 0 {
		i = 0
	}
	if i >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[i]
}

func (p *Parser) advance() {
	p.pos++
	p.curr = p.peekToken(0)
	p.next = p.peekToken(1)
}

// rewind restores the token cursor; instructions emitted meanwhile stay in
// the buffer.
func (p *Parser) rewind(pos int) {
	p.pos = pos
	p.curr = p.peekToken(0)
	p.next = p.peekToken(1)
}

func (p *Parser) locHere() source.Location {
	return source.Location{Line: p.curr.Line, Column: p.curr.Column, Length: len(p.curr.Lexeme)}
}

// consume expects the given kind; on mismatch it records a diagnostic and
// skips forward to the expected token or a synchronizing token.
func (p *Parser) consume(k token.Kind, msg string) {
	if p.curr.Kind == k {
		p.advance()
		return
	}
	if msg == "" {
		msg = "Expected token not found"
	}
	p.c.pushDiag(msg, p.locHere())

	safety := 0
	for p.curr.Kind != k && p.curr.Kind != token.EOF && p.curr.Kind != token.RBRACE &&
		p.curr.Kind != token.END && p.curr.Kind != token.BAD && safety < consumeSafetyBound {
		p.advance()
		safety++
	}
	if p.curr.Kind == k {
		p.advance()
	}
}

// resolveTypeName maps a type token to (kind, item id). Item names resolve
// against the registry built so far.
func (p *Parser) resolveTypeName(s string) (value.TypeKind, int) {
	if tk := value.ParseTypeName(s); tk != value.TyUnknown {
		return tk, -1
	}
	if id := p.c.findItemIDByName(s); id >= 0 {
		return value.TyItem, id
	}
	return value.TyUnknown, -1
}

// prescan walks the token vector for `on <type> <name>` headers and
// pre-allocates a label and a provisional signature for each, including the
// parameter types, so calls that precede definitions (and mutual recursion)
// resolve. Parameter types that name items stay unknown here; unknown
// matches anything during overload filtering.
func (p *Parser) prescan() {
	for i := 0; i+2 < len(p.tokens); i++ {
		if p.tokens[i].Kind != token.ON {
			continue
		}
		rett := p.tokens[i+1]
		name := p.tokens[i+2]
		if name.Kind != token.IDENT {
			continue
		}
		kind := value.ParseTypeName(rett.Lexeme)
		if kind == value.TyUnknown && p.c.findItemIDByName(rett.Lexeme) < 0 {
			continue
		}
		fs := &FunctionSig{
			Name:         name.Lexeme,
			ReturnType:   kind,
			ReturnItemID: -1,
			DeclaredLine: name.Line,
			LabelID:      p.c.Asm.MakeLabel(),
			ParamTypes:   prescanParams(p.tokens, i+3),
		}
		p.c.functionTable[fs.Name] = append(p.c.functionTable[fs.Name], fs)
		log.Debugf("prescan: %s/%d at line %d", fs.Name, len(fs.ParamTypes), fs.DeclaredLine)
	}
}

// prescanParams reads `( name : type , ... )` starting at pos without
// consuming parser state. Malformed headers yield what was scanned so far.
func prescanParams(toks []token.Token, pos int) []value.TypeKind {
	if pos >= len(toks) || toks[pos].Kind != token.LPAREN {
		return nil
	}
	pos++
	var params []value.TypeKind
	for pos < len(toks) && toks[pos].Kind != token.RPAREN && toks[pos].Kind != token.EOF {
		if toks[pos].Kind != token.IDENT {
			break
		}
		pos++ // param name
		if pos >= len(toks) || toks[pos].Kind != token.COLON {
			break
		}
		pos++
		if pos >= len(toks) || toks[pos].Kind != token.IDENT {
			break
		}
		params = append(params, value.ParseTypeName(toks[pos].Lexeme))
		pos++
		if pos < len(toks) && toks[pos].Kind == token.COMMA {
			pos++
			continue
		}
		break
	}
	return params
}

// compileUnit parses the whole unit: prologue jump, header, functions and
// items, entry binding and the virtual call to main.
func (p *Parser) compileUnit() {
	p.prescan()

	entryLabel := p.c.Asm.MakeLabel()
	p.c.Asm.EmitJump(bytecode.OpJmp, 0, 0, entryLabel)

	if p.curr.Kind != token.UNIT {
		p.c.pushDiag("Expected 'unit' at the beginning", p.locHere())
		return
	}
	p.advance()
	if p.curr.Kind != token.IDENT {
		p.c.pushDiag("Expected unit name", p.locHere())
		return
	}
	p.advance()

	// Optional import list: `: dep [as alias] (, dep [as alias])*`.
	// Dependencies are recognized but cross-module linking is out of
	// scope, so the list is only consumed.
	if p.curr.Kind == token.COLON {
		p.advance()
		for p.curr.Kind == token.IDENT {
			p.advance()
			if p.curr.Kind == token.AS {
				p.advance()
				if p.curr.Kind == token.IDENT {
					p.advance()
				}
			}
			if p.curr.Kind == token.COMMA {
				p.advance()
				continue
			}
			break
		}
	}

	p.consume(token.LBRACE, "Expected '{' token after unit header")

	for p.curr.Kind != token.RBRACE && p.curr.Kind != token.EOF {
		switch p.curr.Kind {
		case token.ON:
			p.compileFunction()
		case token.ITEM:
			p.compileItem()
		default:
			p.c.pushDiag("expected 'on <type> <func>'", p.locHere())
			p.advance()
		}
	}

	p.consume(token.RBRACE, "Expected '}' on unit's end")

	p.c.Asm.BindLabel(entryLabel)

	if mainFs := p.c.resolveFunction("main", nil); mainFs != nil {
		if mainFs.ReturnType == value.TyVoid {
			dummy := p.c.defineLocal("", value.TyUnknown, -1)
			p.c.Asm.EmitCall(p.curr.Line, dummy, mainFs.LabelID, len(mainFs.ParamTypes))
		} else {
			dest := p.c.defineLocal("___main_ret", mainFs.ReturnType, -1)
			p.c.Asm.EmitCall(p.curr.Line, dest, mainFs.LabelID, len(mainFs.ParamTypes))
		}
	} else {
		p.c.pushDiag("Function 'main' not found", source.Location{})
	}

	nilReg := p.c.emitConst(value.Nil(), p.curr.Line)
	p.c.Asm.Emit(bytecode.OpReturn, p.curr.Line, nilReg, 0, 0)
}

// compileFunction parses `on <type> <name> ( params ) body`. The body ends
// with `end`, or is brace-delimited.
func (p *Parser) compileFunction() {
	p.advance() // on
	if p.curr.Kind != token.IDENT {
		p.c.pushDiag("Expected return type after 'on'", p.locHere())
		return
	}
	retKind, retItemID := p.resolveTypeName(p.curr.Lexeme)
	if retKind == value.TyUnknown {
		p.c.pushDiag("Unknown return type: "+p.curr.Lexeme, p.locHere())
	}
	p.advance()

	if p.curr.Kind != token.IDENT {
		p.c.pushDiag("Expected function name after type", p.locHere())
		return
	}
	fname := p.curr.Lexeme
	p.advance()

	// Reuse the first prescanned, still-unbound label for this name;
	// otherwise allocate a signature now.
	chosen := -1
	for _, fs := range p.c.functionTable[fname] {
		if fs.LabelID >= 0 && fs.LabelID < len(p.c.Asm.Labels) && p.c.Asm.Labels[fs.LabelID].TargetPC == -1 {
			chosen = fs.LabelID
			break
		}
	}
	if chosen == -1 {
		chosen = p.c.Asm.MakeLabel()
		p.c.functionTable[fname] = append(p.c.functionTable[fname], &FunctionSig{
			Name:         fname,
			LabelID:      chosen,
			ReturnType:   retKind,
			ReturnItemID: retItemID,
			DeclaredLine: p.curr.Line,
		})
	}

	p.c.Asm.BindLabel(chosen)
	p.c.currentFunction = fname

	p.consume(token.LPAREN, "Expected '(' token after function name")
	var pnames []string
	var ptypes []value.TypeKind
	var pitemIDs []int
	if p.curr.Kind != token.RPAREN {
		for {
			if p.curr.Kind != token.IDENT {
				p.c.pushDiag("Expected param name", p.locHere())
				break
			}
			pname := p.curr.Lexeme
			p.advance()
			p.consume(token.COLON, "Expected ':' token after param name")
			if p.curr.Kind != token.IDENT {
				p.c.pushDiag("Expected param type", p.locHere())
				break
			}
			pk, puid := p.resolveTypeName(p.curr.Lexeme)
			if pk == value.TyUnknown {
				p.c.pushDiag("Unknown type for the param: "+p.curr.Lexeme, p.locHere())
			}
			p.advance()
			pnames = append(pnames, pname)
			ptypes = append(ptypes, pk)
			pitemIDs = append(pitemIDs, puid)
			if p.curr.Kind == token.COMMA {
				p.advance()
				continue
			}
			break
		}
	}
	p.consume(token.RPAREN, "Expected ')'")

	for _, fs := range p.c.functionTable[fname] {
		if fs.LabelID == chosen {
			fs.ParamTypes = ptypes
			fs.ReturnType = retKind
			fs.ReturnItemID = retItemID
			break
		}
	}

	p.c.beginScope()
	for i, name := range pnames {
		p.c.defineLocal(name, ptypes[i], pitemIDs[i])
	}

	if p.curr.Kind == token.LBRACE {
		p.advance()
	}
	for p.curr.Kind != token.END && p.curr.Kind != token.RBRACE && p.curr.Kind != token.EOF {
		p.compileStmt()
	}
	if p.curr.Kind == token.RBRACE {
		p.advance()
	} else {
		p.consume(token.END, "Expected 'end' token after function")
	}

	// Implicit trailing return so every path delivers a value.
	nilReg := p.c.emitConst(value.Nil(), p.curr.Line)
	p.c.Asm.Emit(bytecode.OpReturn, p.curr.Line, nilReg, 0, 0)
	p.c.endScope()

	p.c.currentFunction = ""
}

// compileItem parses `item <name> [: <parent>] ( type name, ... )`.
func (p *Parser) compileItem() {
	p.advance() // item
	if p.curr.Kind != token.IDENT {
		p.c.pushDiag("Expected item name", p.locHere())
		return
	}
	itemName := p.curr.Lexeme
	p.advance()

	parentName := ""
	if p.curr.Kind == token.COLON {
		p.advance()
		if p.curr.Kind == token.IDENT {
			parentName = p.curr.Lexeme
			p.advance()
		}
	}

	p.consume(token.LPAREN, "Expected '(' after item header")
	var fields []ItemField
	if p.curr.Kind != token.RPAREN {
		for {
			if p.curr.Kind != token.IDENT {
				p.c.pushDiag("Expected field type", p.locHere())
				break
			}
			typeTok := p.curr.Lexeme
			p.advance()
			ftk := value.ParseTypeName(typeTok)
			if ftk == value.TyUnknown {
				// Item-typed fields degrade to the table kind;
				// field lists carry a TypeKind only.
				if p.c.findItemIDByName(typeTok) >= 0 {
					ftk = value.TyTable
				} else {
					p.c.pushDiag("Unknown field type: "+typeTok, p.locHere())
				}
			}
			if p.curr.Kind != token.IDENT {
				p.c.pushDiag("Expected field name", p.locHere())
				break
			}
			fields = append(fields, ItemField{Name: p.curr.Lexeme, Kind: ftk})
			p.advance()
			if p.curr.Kind == token.COMMA {
				p.advance()
				continue
			}
			break
		}
	}
	p.consume(token.RPAREN, "Expected ')'")
	p.c.registerItemType(itemName, parentName, fields)
}
