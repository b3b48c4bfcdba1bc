// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// Assemble compiles the textual ZPAQL dialect described in § 4.1 into the
// bytecode Run interprets. Only the writer side ever calls this; a reader
// gets the already-compiled program from the block header.
//
// Grammar (one statement per line, ';' starts a trailing comment):
//
//	A=B | A=C | A=D | B=A | C=A | D=A
//	A=*B | A=*C | A=*D | *B=A | *C=A | *D=A
//	A+=x | A-=x | A*=x | A/=x | A%=x | A&=x | A&~=x | A|=x | A^=x | A<<=x | A>>=x
//	  where x is one of A B C D *B *C *D or a decimal/hex literal
//	A++ | A-- | A! | A=0 | A<>x   (inc/dec/not/clear/swap; x as above, default A)
//	A=n   (load a decimal/hex literal; assembles to A=0 followed by A+=n)
//	A==x | A<x | A>x
//	A=R n | R=A n
//	HASH | HASHD | OUT | HALT | ERROR
//	IF ... ENDIF / IF ... ELSE ... ENDIF
//	IFNOT ... ENDIF / IFNOT ... ELSE ... ENDIF
//	IFL / IFNOTL / ELSEL — long variants, reachable across more than +-127
//	  bytes: each expands to a short conditional jump over a single LJ
//	  (16-bit absolute) rather than a direct long conditional jump, since
//	  the ISA has only one long instruction and it is unconditional.
//	DO ... WHILE | DO ... UNTIL | DO ... FOREVER
type asmError struct {
	line int
	msg  string
}

func (e *asmError) Error() string { return fmt.Sprintf("zpaql asm:%d: %s", e.line, e.msg) }

// ctrlFrame tracks one open structured-control block while assembling.
// patchAt is the offset of the operand that must be backfilled once the
// block's extent is known; forLJ marks it as an absolute LJ target rather
// than a short relative displacement.
type ctrlFrame struct {
	kind    string // "if", "ifnot", "else", "do"
	patchAt int
	forLJ   bool
	doStart int
}

// Assemble turns source text into a Program's Code. hBits/mBits are carried
// through unchanged for use by New.
func Assemble(src string, hBits, mBits int) (Program, error) {
	var code []byte
	var stack []ctrlFrame

	emitShortJump := func(op Opcode) int {
		code = append(code, byte(op), 0)
		return len(code) - 1
	}
	emitLJ := func() int {
		code = append(code, byte(OpLJ), 0, 0)
		return len(code) - 2
	}
	patchShort := func(at int) {
		rel := len(code) - at - 1
		code[at] = byte(int8(rel))
	}
	patchLJ := func(at int) {
		target := uint16(len(code))
		code[at] = byte(target)
		code[at+1] = byte(target >> 8)
	}

	lines := strings.Split(src, "\n")
	for ln, raw := range lines {
		line := raw
		if idx := strings.IndexByte(line, ';'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)

		switch {
		case upper == "HALT":
			code = append(code, byte(OpHalt))
		case upper == "ERROR":
			code = append(code, byte(OpError))
		case upper == "HASH":
			code = append(code, byte(OpHash))
		case upper == "HASHD":
			code = append(code, byte(OpHashD))
		case upper == "OUT":
			code = append(code, byte(OpOut))

		case upper == "IF":
			at := emitShortJump(OpJF) // skip body if F is false
			stack = append(stack, ctrlFrame{kind: "if", patchAt: at})
		case upper == "IFNOT":
			at := emitShortJump(OpJT) // skip body if F is true
			stack = append(stack, ctrlFrame{kind: "ifnot", patchAt: at})
		case upper == "IFL":
			// JT +3 falls into the body; JF (implicit, via fallthrough of
			// the LJ) takes the long jump to ENDIF/ELSE.
			code = append(code, byte(OpJT), 3)
			at := emitLJ()
			stack = append(stack, ctrlFrame{kind: "if", patchAt: at, forLJ: true})
		case upper == "IFNOTL":
			code = append(code, byte(OpJF), 3)
			at := emitLJ()
			stack = append(stack, ctrlFrame{kind: "ifnot", patchAt: at, forLJ: true})

		case upper == "ELSE" || upper == "ELSEL":
			if len(stack) == 0 || (stack[len(stack)-1].kind != "if" && stack[len(stack)-1].kind != "ifnot") {
				return Program{}, &asmError{ln + 1, "ELSE without IF"}
			}
			top := stack[len(stack)-1]
			long := upper == "ELSEL" || top.forLJ
			var elseAt int
			if long {
				elseAt = emitLJ()
			} else {
				elseAt = emitShortJump(OpJmp)
			}
			if top.forLJ {
				patchLJ(top.patchAt)
			} else {
				patchShort(top.patchAt)
			}
			stack[len(stack)-1] = ctrlFrame{kind: "else", patchAt: elseAt, forLJ: long}

		case upper == "ENDIF":
			if len(stack) == 0 {
				return Program{}, &asmError{ln + 1, "ENDIF without IF"}
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.forLJ {
				patchLJ(top.patchAt)
			} else {
				patchShort(top.patchAt)
			}

		case upper == "DO":
			stack = append(stack, ctrlFrame{kind: "do", doStart: len(code)})

		case upper == "WHILE" || upper == "UNTIL" || upper == "FOREVER":
			if len(stack) == 0 || stack[len(stack)-1].kind != "do" {
				return Program{}, &asmError{ln + 1, "loop terminator without DO"}
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			backOp := OpJmp
			switch upper {
			case "WHILE":
				backOp = OpJT
			case "UNTIL":
				backOp = OpJF
			}
			at := emitShortJump(backOp)
			rel := top.doStart - at - 1
			if rel < -128 || rel > 127 {
				return Program{}, &asmError{ln + 1, "DO body too large for short backward jump"}
			}
			code[at] = byte(int8(rel))

		default:
			b, err := assembleStmt(line)
			if err != nil {
				return Program{}, &asmError{ln + 1, err.Error()}
			}
			code = append(code, b...)
		}
	}
	if len(stack) != 0 {
		return Program{}, fmt.Errorf("zpaql asm: %d unterminated block(s)", len(stack))
	}
	return Program{Code: code, HBits: hBits, MBits: mBits}, nil
}

func assembleStmt(line string) ([]byte, error) {
	u := strings.ToUpper(strings.TrimSpace(line))
	switch {
	case u == "A=B":
		return []byte{byte(OpAeqB)}, nil
	case u == "A=C":
		return []byte{byte(OpAeqC)}, nil
	case u == "A=D":
		return []byte{byte(OpAeqD)}, nil
	case u == "B=A":
		return []byte{byte(OpBeqA)}, nil
	case u == "C=A":
		return []byte{byte(OpCeqA)}, nil
	case u == "D=A":
		return []byte{byte(OpDeqA)}, nil
	case u == "A=*B":
		return []byte{byte(OpAeqMB)}, nil
	case u == "A=*C":
		return []byte{byte(OpAeqMC)}, nil
	case u == "A=*D":
		return []byte{byte(OpAeqMD)}, nil
	case u == "*B=A":
		return []byte{byte(OpMBeqA)}, nil
	case u == "*C=A":
		return []byte{byte(OpMCeqA)}, nil
	case u == "*D=A":
		return []byte{byte(OpMDeqA)}, nil
	case u == "A++":
		return []byte{byte(OpInc), modeA}, nil
	case u == "A--":
		return []byte{byte(OpDec), modeA}, nil
	case u == "A!":
		return []byte{byte(OpNot), modeA}, nil
	case u == "A=0":
		return []byte{byte(OpClr), modeA}, nil
	}

	if strings.HasPrefix(u, "A=R ") {
		n, err := parseIndex(u[4:])
		if err != nil {
			return nil, err
		}
		return []byte{byte(OpAeqR), n}, nil
	}
	if strings.HasPrefix(u, "R=A ") {
		n, err := parseIndex(u[4:])
		if err != nil {
			return nil, err
		}
		return []byte{byte(OpReqA), n}, nil
	}
	if strings.HasPrefix(u, "A=") && !strings.HasPrefix(u, "A==") {
		if mode, imm, err := parseOperand(u[2:]); err == nil && mode == modeConst {
			out := []byte{byte(OpClr), modeA, byte(OpAdd), modeConst}
			return append(out, u32le(imm)...), nil
		}
	}
	if strings.HasPrefix(u, "A<>") {
		mode, _, err := parseOperand(u[3:])
		if err != nil {
			return nil, err
		}
		return []byte{byte(OpSwap), mode}, nil
	}

	for _, op := range []struct {
		prefix string
		code   Opcode
	}{
		{"A+=", OpAdd}, {"A-=", OpSub}, {"A*=", OpMul}, {"A/=", OpDiv}, {"A%=", OpMod},
		{"A&~=", OpAndNot}, {"A&=", OpAnd}, {"A|=", OpOr}, {"A^=", OpXor},
		{"A<<=", OpShl}, {"A>>=", OpShr},
		{"A==", OpCmpEq}, {"A<", OpCmpLt}, {"A>", OpCmpGt},
	} {
		if strings.HasPrefix(u, op.prefix) {
			mode, imm, err := parseOperand(u[len(op.prefix):])
			if err != nil {
				return nil, err
			}
			out := []byte{byte(op.code), mode}
			if mode == modeConst {
				out = append(out, u32le(imm)...)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("unrecognised statement %q", line)
}

func parseIndex(s string) (byte, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("bad register index %q: %w", s, err)
	}
	return byte(n), nil
}

func parseOperand(s string) (mode byte, imm uint32, err error) {
	s = strings.TrimSpace(s)
	switch s {
	case "A":
		return modeA, 0, nil
	case "B":
		return modeB, 0, nil
	case "C":
		return modeC, 0, nil
	case "D":
		return modeD, 0, nil
	case "*B":
		return modeMB, 0, nil
	case "*C":
		return modeMC, 0, nil
	case "*D":
		return modeMD, 0, nil
	case "":
		return modeA, 0, nil
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad operand %q: %w", s, err)
	}
	return modeConst, uint32(n), nil
}

func u32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
