// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package predictor

import "fmt"

// Kind identifies a predictor component type, per the § 4.2 table.
type Kind byte

const (
	KConst Kind = iota
	KCM
	KICM
	KMatch
	KAvg
	KMix2
	KMix
	KIsse
	KSse
)

// Params describes one component as declared in the block header: a fixed
// set of small integer fields whose meaning depends on Kind. Unused fields
// for a given Kind are ignored.
type Params struct {
	Kind Kind

	C     int // CONST: constant byte
	S     int // log2 table size, most kinds
	Limit int // CM: count limit
	B     int // MATCH: log2 history buffer size
	J, K  int // AVG/MIX2/MIX/ISSE/SSE: component back-references (j < own index)
	M     int // MIX: number of inputs, components j..j+m-1
	Wt    int // AVG: weight 0..256 favouring p[j]
	Rate  int // MIX2/MIX: adaptation rate
	Mask  int // MIX2/MIX: context mask applied to hmap4
	Start int // SSE: carried from the header; newSSEComp does not use it
}

type component interface {
	predict(bk *Bank) int32
	update(bk *Bank, bit int)
}

// Bank is an ordered chain of up to 255 components. Component i may only
// read predictions from components j < i (enforced by New).
type Bank struct {
	params []Params
	comps  []component
	pr     []int32 // stretched prediction per component, this bit
	ctx    []uint32
	hmap4  byte
	cur    int // index of the component currently being evaluated
	bit    int // position (0-7) of the bit about to be coded within the byte
}

// SetBitPos records the shift (7 for the first, MSB, bit coded in a byte,
// down to 0 for the last) of the bit about to be coded; the MATCH
// component uses it to pick the expected bit out of its predicted byte.
func (bk *Bank) SetBitPos(shift int) { bk.bit = shift }
func (bk *Bank) bitpos() int         { return bk.bit }

// New builds a bank from its header declaration. Component i reads its
// context from entry i of the slice installed by SetContext.
func New(params []Params) (*Bank, error) {
	bk := &Bank{params: params, pr: make([]int32, len(params)), ctx: make([]uint32, len(params))}
	bk.comps = make([]component, len(params))
	for i, p := range params {
		switch p.Kind {
		case KAvg, KMix2, KIsse, KSse:
			if p.J >= i || p.K >= i {
				return nil, fmt.Errorf("predictor: component %d references a later component", i)
			}
		case KMix:
			if p.J < 0 || p.J+p.M-1 >= i {
				return nil, fmt.Errorf("predictor: component %d mixer range reaches a later component", i)
			}
		}
		c, err := newComponent(p)
		if err != nil {
			return nil, fmt.Errorf("predictor: component %d: %w", i, err)
		}
		bk.comps[i] = c
	}
	return bk, nil
}

func newComponent(p Params) (component, error) {
	switch p.Kind {
	case KConst:
		// (c-128)/16 is already expressed in stretched (log-odds) units,
		// scaled here into the package's internal 1/8-nat resolution.
		return &constComp{val: int32(p.C-128) * 8}, nil
	case KCM:
		return newCMComp(p), nil
	case KICM:
		return newICMComp(p), nil
	case KMatch:
		return newMatchComp(p), nil
	case KAvg:
		return &avgComp{j: p.J, k: p.K, wt: p.Wt}, nil
	case KMix2:
		return newMix2Comp(p), nil
	case KMix:
		return newMixComp(p), nil
	case KIsse:
		return newISSEComp(p), nil
	case KSse:
		return newSSEComp(p), nil
	}
	return nil, fmt.Errorf("unknown component kind %d", p.Kind)
}

// SetContext installs the per-byte VM contexts (H[0..n-1]) and the
// partial-byte state used by context selectors, ahead of coding the next
// 8 bits.
func (bk *Bank) SetContext(h []uint32, hmap4 byte) {
	copy(bk.ctx, h)
	bk.hmap4 = hmap4
}

// Predict runs every component in declaration order and returns the final
// component's output as a 16-bit probability that the next bit is 1.
func (bk *Bank) Predict() int32 {
	var last int32
	for i, c := range bk.comps {
		bk.cur = i
		last = c.predict(bk)
		bk.pr[i] = last
	}
	return squash(last) * 16
}

// AdvanceByte notifies every MATCH component that a full byte has just
// been coded, so it can extend its current match (or seek a new one) and
// append the byte to its history buffer. hashes supplies each component's
// per-byte context (aligned with the VM's H[] output for that index).
func (bk *Bank) AdvanceByte(hashes []uint32, b byte) {
	for i, c := range bk.comps {
		if mc, ok := c.(*matchComp); ok {
			mc.advanceByte(hashes[i], b)
		}
	}
}

// Update feeds the coded bit to every component, in declaration order,
// per the § 4.2 "update order equals declaration order" rule.
func (bk *Bank) Update(bit int) {
	for i, c := range bk.comps {
		bk.cur = i
		c.update(bk, bit)
	}
}

// --- CONST ---

type constComp struct{ val int32 }

func (c *constComp) predict(bk *Bank) int32 { return c.val }
func (c *constComp) update(bk *Bank, bit int) {}

// --- CM: direct context model, table of (22-bit prediction, 10-bit count) ---

type cmComp struct {
	size  uint32
	limit int32
	t     []uint32 // packed: prediction<<10 | count
	idx   uint32   // this bit's table slot, set in predict
}

func newCMComp(p Params) *cmComp {
	c := &cmComp{size: 1 << uint(p.S), limit: int32(p.Limit)}
	c.t = make([]uint32, c.size)
	for i := range c.t {
		c.t[i] = 1 << 31 // neutral p=0.5 in 22-bit fixed point, count 0
	}
	return c
}

func (c *cmComp) predict(bk *Bank) int32 {
	ctx := (hashCtx(bk) ^ uint32(bk.hmap4)) % c.size
	c.idx = ctx
	pr22 := c.t[ctx] >> 10
	p15 := int32(pr22 >> 7) // scale 22-bit to stretch's 15-bit probability domain
	return stretch(p15)
}

func (c *cmComp) update(bk *Bank, bit int) {
	v := c.t[c.idx]
	pr := int32(v >> 10)
	cnt := int32(v & 0x3ff)
	target := int32(0)
	if bit != 0 {
		target = (1 << 22) - 1
	}
	if cnt < c.limit {
		cnt++
	}
	rate := cnt
	if rate < 1 {
		rate = 1
	}
	pr += (target - pr) / rate
	if pr < 0 {
		pr = 0
	}
	if pr > (1<<22)-1 {
		pr = (1 << 22) - 1
	}
	c.t[c.idx] = uint32(pr)<<10 | uint32(cnt)
}

// hashCtx folds the component's VM context into the table's index space;
// components share the same ctx slot as their declaration position so
// that each reads the H[] entry the HCOMP program produced for it.
func hashCtx(bk *Bank) uint32 {
	// The active component's index is implicit in which ctx entry predict
	// was called for; callers pass it via bk.cur (set by Predict's loop
	// index) to keep per-component isolation without extra allocations.
	return bk.ctx[bk.cur]
}

// --- ICM: indirect context model via bit-history ---

type icmComp struct {
	size    uint32
	history []byte   // 64 * size bit-history bytes, indexed by ctx*64+node
	table   [256]int32 // bit-history -> stretched prediction
	idx     uint32
}

func newICMComp(p Params) *icmComp {
	c := &icmComp{size: 1 << uint(p.S)}
	c.history = make([]byte, c.size*64)
	for i := range c.table {
		// Initial mapping: state byte interpreted directly as a signed
		// bit-history counter scaled into stretched space.
		c.table[i] = int32(int8(i)) * 16
	}
	return c
}

func (c *icmComp) predict(bk *Bank) int32 {
	ctx := (hashCtx(bk) ^ uint32(bk.hmap4)) % c.size
	c.idx = ctx * 64
	st := c.history[c.idx]
	return c.table[st]
}

func (c *icmComp) update(bk *Bank, bit int) {
	st := c.history[c.idx]
	c.history[c.idx] = nextState(st, bit)
	// adapt the bit-history -> prediction map slowly, same shape as CM.
	target := int32(-2047)
	if bit != 0 {
		target = 2047
	}
	c.table[st] += (target - c.table[st]) >> 5
}

// nextState is a simple bit-history state machine: an 8-bit saturating
// counter biased toward the most recent bit, sufficient to distinguish
// "mostly 0", "mostly 1", and "mixed" histories without the full
// 256-state transition table a byte-exact port would use.
func nextState(st byte, bit int) byte {
	s := int8(st)
	if bit != 0 {
		if s < 127 {
			s++
		}
	} else {
		if s > -128 {
			s--
		}
	}
	return byte(s)
}

// --- MATCH: predicts the bit that would continue the longest recent match ---

type matchComp struct {
	hashTable []uint32 // size 2^s: context hash -> position in history
	history   []byte   // size 2^b
	hpos      int      // write position in history
	size      uint32
	matchPtr  int
	matchLen  int
	expected  byte
	predBit   int32
}

func newMatchComp(p Params) *matchComp {
	c := &matchComp{size: 1 << uint(p.S)}
	c.hashTable = make([]uint32, c.size)
	c.history = make([]byte, 1<<uint(p.B))
	return c
}

func (c *matchComp) predict(bk *Bank) int32 {
	if c.matchLen > 0 && c.matchPtr < len(c.history) {
		c.expected = c.history[c.matchPtr]
		bitExpected := (c.expected >> uint(bk.bitpos()&7)) & 1
		conf := int32(c.matchLen)
		if conf > 28 {
			conf = 28
		}
		mag := conf * 64
		if bitExpected == 0 {
			mag = -mag
		}
		c.predBit = mag
		return mag
	}
	c.predBit = 0
	return 0
}

func (c *matchComp) update(bk *Bank, bit int) {
	// Byte-boundary bookkeeping happens in AdvanceByte; this only tracks
	// whether the running match held for this bit.
	if c.matchLen > 0 {
		bitExpected := int((c.expected >> uint(bk.bitpos()&7)) & 1)
		if bitExpected != bit {
			c.matchLen = 0
		}
	}
}

// AdvanceByte is called once per completed byte (after its 8 bits are
// coded) to extend or re-seek the match and append the byte to history,
// mirroring HCOMP's once-per-byte cadence for context refresh.
func (c *matchComp) advanceByte(ctxHash uint32, b byte) {
	if c.matchLen > 0 {
		c.matchPtr++
		c.matchLen++
	}
	if c.matchLen == 0 {
		if cand := c.hashTable[ctxHash%c.size]; cand != 0 {
			c.matchPtr = int(cand)
			c.matchLen = 1
		}
	}
	c.hashTable[ctxHash%c.size] = uint32(c.hpos)
	if len(c.history) > 0 {
		c.history[c.hpos%len(c.history)] = b
	}
	c.hpos++
}

// --- AVG: fixed weighted average of two earlier components ---

type avgComp struct {
	j, k int
	wt   int
}

func (c *avgComp) predict(bk *Bank) int32 {
	pj, pk := bk.pr[c.j], bk.pr[c.k]
	return (pj*int32(c.wt) + pk*int32(256-c.wt)) >> 8
}
func (c *avgComp) update(bk *Bank, bit int) {}

// --- MIX2: adaptive 2-input mixer with per-context weights ---

type mix2Comp struct {
	j, k  int
	size  uint32
	rate  int32
	mask  byte
	w     []int32 // 2 weights per context
	idx   uint32
	pj, pk int32
}

func newMix2Comp(p Params) *mix2Comp {
	c := &mix2Comp{j: p.J, k: p.K, size: 1 << uint(p.S), rate: int32(p.Rate), mask: byte(p.Mask)}
	c.w = make([]int32, c.size*2)
	for i := range c.w {
		c.w[i] = 1 << 15 // start at 0.5/0.5
	}
	return c
}

func (c *mix2Comp) predict(bk *Bank) int32 {
	ctx := (hashCtx(bk) ^ uint32(bk.hmap4&c.mask)) % c.size
	c.idx = ctx * 2
	c.pj, c.pk = bk.pr[c.j], bk.pr[c.k]
	w0, w1 := c.w[c.idx], c.w[c.idx+1]
	v := (c.pj*w0 + c.pk*w1) >> 16
	if v > stretchMax {
		v = stretchMax
	}
	if v < stretchMin {
		v = stretchMin
	}
	return v
}

func (c *mix2Comp) update(bk *Bank, bit int) {
	p := squash(stretchClamp((c.pj*c.w[c.idx]+c.pk*c.w[c.idx+1])>>16)) * 8
	err := int32(bit)*65535 - p
	c.w[c.idx] += (c.pj * err) >> (16 - uint(c.rate))
	c.w[c.idx+1] += (c.pk * err) >> (16 - uint(c.rate))
}

func stretchClamp(v int32) int32 {
	if v > stretchMax {
		return stretchMax
	}
	if v < stretchMin {
		return stretchMin
	}
	return v
}

// --- MIX: adaptive m-input mixer ---

type mixComp struct {
	j, m  int
	size  uint32
	rate  int32
	mask  byte
	w     []int32 // m weights per context
	idx   uint32
}

func newMixComp(p Params) *mixComp {
	c := &mixComp{j: p.J, m: p.M, size: 1 << uint(p.S), rate: int32(p.Rate), mask: byte(p.Mask)}
	c.w = make([]int32, c.size*uint32(c.m))
	for i := range c.w {
		c.w[i] = (1 << 16) / int32(c.m)
	}
	return c
}

func (c *mixComp) predict(bk *Bank) int32 {
	ctx := (hashCtx(bk) ^ uint32(bk.hmap4&c.mask)) % c.size
	c.idx = ctx * uint32(c.m)
	var sum int64
	for i := 0; i < c.m; i++ {
		sum += int64(bk.pr[c.j+i]) * int64(c.w[c.idx+uint32(i)])
	}
	v := int32(sum >> 16)
	return stretchClamp(v)
}

func (c *mixComp) update(bk *Bank, bit int) {
	var sum int64
	for i := 0; i < c.m; i++ {
		sum += int64(bk.pr[c.j+i]) * int64(c.w[c.idx+uint32(i)])
	}
	p := squash(stretchClamp(int32(sum>>16))) * 8
	err := int32(bit)*65535 - p
	for i := 0; i < c.m; i++ {
		c.w[c.idx+uint32(i)] += (bk.pr[c.j+i] * err) >> (16 - uint(c.rate))
	}
}

// --- ISSE: indirect SSE; adjusts p[j] using a history-indexed 2-input mix ---

type isseComp struct {
	j       int
	size    uint32
	history []byte
	w       [][2]int32
	idx     uint32
	pj      int32
}

func newISSEComp(p Params) *isseComp {
	c := &isseComp{j: p.J, size: 1 << uint(p.S)}
	c.history = make([]byte, c.size)
	c.w = make([][2]int32, 256)
	for i := range c.w {
		c.w[i] = [2]int32{1 << 15, 1 << 15}
	}
	return c
}

func (c *isseComp) predict(bk *Bank) int32 {
	ctx := (hashCtx(bk) ^ uint32(bk.hmap4)) % c.size
	c.idx = ctx
	c.pj = bk.pr[c.j]
	st := c.history[c.idx]
	w := c.w[st]
	v := (c.pj*w[0] + (1<<12)*w[1]) >> 16
	return stretchClamp(v)
}

func (c *isseComp) update(bk *Bank, bit int) {
	st := c.history[c.idx]
	w := &c.w[st]
	p := squash(stretchClamp((c.pj*w[0]+(1<<12)*w[1])>>16)) * 8
	err := int32(bit)*65535 - p
	w[0] += (c.pj * err) >> 12
	w[1] += err >> 12
	c.history[c.idx] = nextState(st, bit)
}

// --- SSE: secondary symbol estimation via quantised-pq table + interpolation ---

type sseComp struct {
	j       int
	size    uint32
	limit   int32
	t       []int32 // 32 buckets per context
	idx, lo int
	frac    int32
}

func newSSEComp(p Params) *sseComp {
	c := &sseComp{j: p.J, size: 1 << uint(p.S), limit: int32(p.Limit)}
	c.t = make([]int32, c.size*33)
	for ctx := uint32(0); ctx < c.size; ctx++ {
		for b := 0; b < 33; b++ {
			d := int32((b-16)*128) * 2
			c.t[ctx*33+uint32(b)] = squash(stretchClamp(d)) * 8
		}
	}
	return c
}

func (c *sseComp) predict(bk *Bank) int32 {
	ctx := (hashCtx(bk) ^ uint32(bk.hmap4)) % c.size
	pj := stretchClamp(bk.pr[c.j])
	// map stretched value (-2047..2047) onto 32 buckets (0..32)
	bucket := (pj + 2048) * 32 / 4096
	if bucket < 0 {
		bucket = 0
	}
	if bucket > 31 {
		bucket = 31
	}
	c.idx = int(ctx) * 33
	c.lo = int(bucket)
	lo := c.t[c.idx+int(bucket)]
	hi := c.t[c.idx+int(bucket)+1]
	// linear interpolation within the bucket
	step := (pj + 2048) - bucket*(4096/32)
	c.frac = step
	v := lo + (hi-lo)*step/(4096/32)
	return stretch(v / 8)
}

func (c *sseComp) update(bk *Bank, bit int) {
	target := int32(0)
	if bit != 0 {
		target = 65535
	}
	for _, off := range [2]int{c.lo, c.lo + 1} {
		v := &c.t[c.idx+off]
		*v += (target - *v) >> 6
	}
}
