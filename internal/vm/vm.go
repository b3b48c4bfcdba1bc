// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package vm implements the sandboxed bytecode interpreter that the block
// format embeds to generate per-byte context hashes (the HCOMP role) and,
// optionally, to post-process decompressed bytes (the PCOMP role). The
// bytecode travels inside the block header, so a reader never needs its own
// copy of the program: it decodes whatever the writer shipped.
package vm

import "fmt"

// Opcode is a single VM instruction byte. The interpreter dispatches on this
// value with a dense switch, which the compiler lowers to a jump table; the
// set is fixed and known in full at compile time.
type Opcode byte

const (
	OpError Opcode = iota
	OpHalt

	// moves
	OpAeqB
	OpAeqC
	OpAeqD
	OpBeqA
	OpCeqA
	OpDeqA
	OpAeqMB // A = *B
	OpAeqMC // A = *C
	OpAeqMD // A = *D (indexes H)
	OpMBeqA // *B = A
	OpMCeqA // *C = A
	OpMDeqA // *D = A

	// arithmetic on A, followed by a source-mode byte (see mode*)
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpAnd
	OpAndNot
	OpOr
	OpXor
	OpShl
	OpShr

	// unary, followed by a dest-mode byte (mode*)
	OpInc
	OpDec
	OpNot
	OpClr
	OpSwap // swaps A with the addressed register/memory cell

	// comparisons writing F, followed by a source-mode byte
	OpCmpEq
	OpCmpLt
	OpCmpGt

	// auxiliary register file
	OpAeqR // A = R[n], n follows as one byte
	OpReqA // R[n] = A, n follows as one byte

	// control flow
	OpJT  // rel8 follows; jump if F
	OpJF  // rel8 follows; jump if !F
	OpJmp // rel8 follows; unconditional
	OpLJ  // abs16 (little-endian) follows; unconditional

	OpHash  // A := (A + *B + 512) * 773
	OpHashD // *D := (*D + A + 512) * 773

	OpOut // emit low 8 bits of A; PCOMP only
)

// Source/dest addressing modes, used as the operand byte following an
// arithmetic, comparison, or unary opcode.
const (
	modeA byte = iota
	modeB
	modeC
	modeD
	modeMB // *B
	modeMC // *C
	modeMD // *D
	modeConst
)

// EOS is passed to Run for the PCOMP "end of stream" call.
const EOS uint32 = 0xFFFFFFFF

// Error is returned by Run when the program executes an ERROR instruction
// or performs an operation the spec declares a runtime fault (out-of-bounds
// jump). Either is fatal to the containing block.
type Error struct {
	PC  int
	Msg string
}

func (e *Error) Error() string { return fmt.Sprintf("zpaql: pc=%d: %s", e.PC, e.Msg) }

// Program is a decoded HCOMP or PCOMP bytecode program plus the memory
// geometry it was compiled against.
type Program struct {
	Code []byte
	HBits int // log2 size of H (hh or ph)
	MBits int // log2 size of M (hm or pm)
}

// Machine is one instance of the VM. A and PC reset on every Run; every
// other piece of state persists across calls within the life of a block,
// matching the segment-sharing rule in the block format (§ Segment
// invariant): the model keeps learning across segments in the same block.
type Machine struct {
	prog Program

	A, B, C, D uint32
	F          bool
	PC         int
	R          [256]uint32
	H          []uint32
	M          []byte

	out []byte // OUT sink, PCOMP only; caller drains via Drain
}

// New allocates a machine for the given program. H and M are sized to
// 2^HBits and 2^MBits respectively, per the header's hh/hm (or ph/pm) pair.
func New(prog Program) *Machine {
	m := &Machine{prog: prog}
	m.H = make([]uint32, 1<<uint(prog.HBits))
	m.M = make([]byte, 1<<uint(prog.MBits))
	return m
}

// Reset clears all persistent state, as happens at block start.
func (m *Machine) Reset() {
	m.A, m.B, m.C, m.D = 0, 0, 0, 0
	m.F = false
	m.PC = 0
	m.R = [256]uint32{}
	for i := range m.H {
		m.H[i] = 0
	}
	for i := range m.M {
		m.M[i] = 0
	}
}

// Drain returns and clears bytes written by OUT since the last Drain call.
func (m *Machine) Drain() []byte {
	b := m.out
	m.out = nil
	return b
}

func (m *Machine) idxH(v uint32) uint32 { return v & uint32(len(m.H)-1) }
func (m *Machine) idxM(v uint32) uint32 { return v & uint32(len(m.M)-1) }

func (m *Machine) src(mode byte, imm uint32) uint32 {
	switch mode {
	case modeA:
		return m.A
	case modeB:
		return m.B
	case modeC:
		return m.C
	case modeD:
		return m.D
	case modeMB:
		return uint32(m.M[m.idxM(m.B)])
	case modeMC:
		return uint32(m.M[m.idxM(m.C)])
	case modeMD:
		return m.H[m.idxH(m.D)]
	case modeConst:
		return imm
	}
	return 0
}

func (m *Machine) fetchByte() (byte, error) {
	if m.PC < 0 || m.PC >= len(m.prog.Code) {
		return 0, &Error{PC: m.PC, Msg: "pc out of bounds"}
	}
	b := m.prog.Code[m.PC]
	m.PC++
	return b, nil
}

func (m *Machine) fetchU32() (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := m.fetchByte()
		if err != nil {
			return 0, err
		}
		v |= uint32(b) << (8 * uint(i))
	}
	return v, nil
}

func (m *Machine) fetchI8() (int8, error) {
	b, err := m.fetchByte()
	return int8(b), err
}

func (m *Machine) fetchU16() (uint16, error) {
	lo, err := m.fetchByte()
	if err != nil {
		return 0, err
	}
	hi, err := m.fetchByte()
	if err != nil {
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

// Run executes the program from pc 0 with A initialised to input, until
// HALT. It is called once per input byte in the HCOMP role, or once per
// decompressed byte (plus one terminal EOS call) in the PCOMP role.
func (m *Machine) Run(input uint32) error {
	m.A = input
	m.PC = 0
	for {
		op, err := m.fetchByte()
		if err != nil {
			return err
		}
		if err := m.step(Opcode(op)); err != nil {
			if err == errHalt {
				return nil
			}
			return err
		}
	}
}

var errHalt = fmt.Errorf("halt")

func (m *Machine) step(op Opcode) error {
	switch op {
	case OpHalt:
		return errHalt
	case OpAeqB:
		m.A = m.B
	case OpAeqC:
		m.A = m.C
	case OpAeqD:
		m.A = m.D
	case OpBeqA:
		m.B = m.A
	case OpCeqA:
		m.C = m.A
	case OpDeqA:
		m.D = m.A
	case OpAeqMB:
		m.A = uint32(m.M[m.idxM(m.B)])
	case OpAeqMC:
		m.A = uint32(m.M[m.idxM(m.C)])
	case OpAeqMD:
		m.A = m.H[m.idxH(m.D)]
	case OpMBeqA:
		m.M[m.idxM(m.B)] = byte(m.A)
	case OpMCeqA:
		m.M[m.idxM(m.C)] = byte(m.A)
	case OpMDeqA:
		m.H[m.idxH(m.D)] = m.A

	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpAnd, OpAndNot, OpOr, OpXor, OpShl, OpShr:
		mode, err := m.fetchByte()
		if err != nil {
			return err
		}
		var imm uint32
		if mode == modeConst {
			imm, err = m.fetchU32()
			if err != nil {
				return err
			}
		}
		v := m.src(mode, imm)
		switch op {
		case OpAdd:
			m.A += v
		case OpSub:
			m.A -= v
		case OpMul:
			m.A *= v
		case OpDiv:
			if v == 0 {
				m.A = 0
			} else {
				m.A /= v
			}
		case OpMod:
			if v == 0 {
				m.A = 0
			} else {
				m.A %= v
			}
		case OpAnd:
			m.A &= v
		case OpAndNot:
			m.A &^= v
		case OpOr:
			m.A |= v
		case OpXor:
			m.A ^= v
		case OpShl:
			m.A <<= v % 32
		case OpShr:
			m.A >>= v % 32
		}

	case OpInc, OpDec, OpNot, OpClr, OpSwap:
		mode, err := m.fetchByte()
		if err != nil {
			return err
		}
		m.unary(op, mode)

	case OpCmpEq, OpCmpLt, OpCmpGt:
		mode, err := m.fetchByte()
		if err != nil {
			return err
		}
		var imm uint32
		if mode == modeConst {
			imm, err = m.fetchU32()
			if err != nil {
				return err
			}
		}
		v := m.src(mode, imm)
		switch op {
		case OpCmpEq:
			m.F = m.A == v
		case OpCmpLt:
			m.F = m.A < v
		case OpCmpGt:
			m.F = m.A > v
		}

	case OpAeqR:
		n, err := m.fetchByte()
		if err != nil {
			return err
		}
		m.A = m.R[n]
	case OpReqA:
		n, err := m.fetchByte()
		if err != nil {
			return err
		}
		m.R[n] = m.A

	case OpJT, OpJF, OpJmp:
		rel, err := m.fetchI8()
		if err != nil {
			return err
		}
		take := op == OpJmp || (op == OpJT && m.F) || (op == OpJF && !m.F)
		if take {
			m.PC += int(rel)
		}
	case OpLJ:
		abs, err := m.fetchU16()
		if err != nil {
			return err
		}
		m.PC = int(abs)

	case OpHash:
		m.A = (m.A + uint32(m.M[m.idxM(m.B)]) + 512) * 773
	case OpHashD:
		d := m.idxH(m.D)
		m.H[d] = (m.H[d] + m.A + 512) * 773

	case OpOut:
		m.out = append(m.out, byte(m.A))

	case OpError:
		return &Error{PC: m.PC - 1, Msg: "ERROR instruction"}

	default:
		return &Error{PC: m.PC - 1, Msg: fmt.Sprintf("unknown opcode %d", op)}
	}
	if m.PC < 0 || m.PC > len(m.prog.Code) {
		return &Error{PC: m.PC, Msg: "pc out of bounds after instruction"}
	}
	return nil
}

func (m *Machine) unary(op Opcode, mode byte) {
	get := func() uint32 {
		switch mode {
		case modeA:
			return m.A
		case modeB:
			return m.B
		case modeC:
			return m.C
		case modeD:
			return m.D
		case modeMB:
			return uint32(m.M[m.idxM(m.B)])
		case modeMC:
			return uint32(m.M[m.idxM(m.C)])
		case modeMD:
			return m.H[m.idxH(m.D)]
		}
		return 0
	}
	set := func(v uint32) {
		switch mode {
		case modeA:
			m.A = v
		case modeB:
			m.B = v
		case modeC:
			m.C = v
		case modeD:
			m.D = v
		case modeMB:
			m.M[m.idxM(m.B)] = byte(v)
		case modeMC:
			m.M[m.idxM(m.C)] = byte(v)
		case modeMD:
			m.H[m.idxH(m.D)] = v
		}
	}
	switch op {
	case OpInc:
		set(get() + 1)
	case OpDec:
		set(get() - 1)
	case OpNot:
		set(^get())
	case OpClr:
		set(0)
	case OpSwap:
		old := m.A
		m.A = get()
		set(old)
	}
}
