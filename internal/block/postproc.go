// Copyright 2020 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package block

import (
	"encoding/binary"
	"fmt"

	"github.com/archivelabs/zpaqgo/internal/vm"
)

// postProcess splits the decompressed byte stream into its selector,
// optional PCOMP program, and data, then runs the post-processor over the
// data per § 4.4. hdr supplies the PCOMP machine's declared memory geometry
// (§ 4.1: H is size 2^PH, M is size 2^PM). It returns the final output
// bytes and the PCOMP program used (nil for pass-through).
func postProcess(hdr Header, preimage []byte) (out []byte, pcomp []byte, err error) {
	if len(preimage) == 0 {
		return nil, nil, fmt.Errorf("block: empty segment payload, missing selector byte")
	}
	selector := preimage[0]
	rest := preimage[1:]
	switch selector {
	case 0:
		return append([]byte(nil), rest...), nil, nil
	case 1:
		if len(rest) < 2 {
			return nil, nil, fmt.Errorf("block: truncated pcomp length")
		}
		l := int(binary.LittleEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if len(rest) < l {
			return nil, nil, fmt.Errorf("block: truncated pcomp program (want %d bytes)", l)
		}
		prog := append([]byte(nil), rest[:l]...)
		data := rest[l:]
		out, err := runPCOMP(hdr.PH, hdr.PM, prog, data)
		return out, prog, err
	default:
		return nil, nil, fmt.Errorf("block: bad post-processing selector %d", selector)
	}
}

// runPCOMP feeds data one byte at a time into a freshly instantiated PCOMP
// program sized from ph/pm, followed by a terminal EOS call, collecting the
// program's OUT instructions as the final output.
func runPCOMP(ph, pm int, prog []byte, data []byte) ([]byte, error) {
	m := vm.New(vm.Program{Code: prog, HBits: ph, MBits: pm})
	var out []byte
	for _, b := range data {
		if err := m.Run(uint32(b)); err != nil {
			return nil, fmt.Errorf("block: pcomp: %w", err)
		}
		out = append(out, m.Drain()...)
	}
	if err := m.Run(vm.EOS); err != nil {
		return nil, fmt.Errorf("block: pcomp eos: %w", err)
	}
	out = append(out, m.Drain()...)
	return out, nil
}
