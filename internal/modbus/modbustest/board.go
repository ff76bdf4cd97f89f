// Package modbustest provides an in-memory Modbus RTU slave for tests and
// for running modbus_bridge without hardware.
package modbustest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	fcReadCoils              = 0x01
	fcReadDiscreteInputs     = 0x02
	fcReadHoldingRegisters   = 0x03
	fcReadInputRegisters     = 0x04
	fcWriteSingleCoil        = 0x05
	fcWriteSingleRegister    = 0x06
	exceptionIllegalFunction = 0x01
	exceptionIllegalAddress  = 0x02
	exceptionIllegalValue    = 0x03
)

// Board answers RTU frames addressed to SlaveId from its register banks.
type Board struct {
	SlaveId byte

	// OnWriteRegister, if set, runs with the board locked after a holding
	// register is written.
	OnWriteRegister func(b *Board, addr, value uint16)

	mu             sync.Mutex
	Coils          []bool
	DiscreteInputs []bool
	Holding        []uint16
	Input          []uint16
}

// NewBoard returns a board with size entries in every bank.
func NewBoard(slaveId byte, size int) *Board {
	return &Board{
		SlaveId:        slaveId,
		Coils:          make([]bool, size),
		DiscreteInputs: make([]bool, size),
		Holding:        make([]uint16, size),
		Input:          make([]uint16, size),
	}
}

// Do runs f with the board locked.
func (b *Board) Do(f func(b *Board)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(b)
}

// Send implements the transport half of a Modbus handler.
func (b *Board) Send(adu []byte) ([]byte, error) {
	if len(adu) < 4 {
		return nil, errors.New("modbustest: short frame")
	}
	if crc(adu[:len(adu)-2]) != binary.LittleEndian.Uint16(adu[len(adu)-2:]) {
		return nil, errors.New("modbustest: bad crc")
	}
	if adu[0] != b.SlaveId {
		return nil, fmt.Errorf("modbustest: no slave %d", adu[0])
	}
	fc, data := adu[1], adu[2:len(adu)-2]
	b.mu.Lock()
	pdu, exc := b.handle(fc, data)
	b.mu.Unlock()
	if exc != 0 {
		pdu = []byte{fc | 0x80, exc}
	} else {
		pdu = append([]byte{fc}, pdu...)
	}
	resp := append([]byte{b.SlaveId}, pdu...)
	return binary.LittleEndian.AppendUint16(resp, crc(resp)), nil
}

func (b *Board) handle(fc byte, data []byte) ([]byte, byte) {
	if len(data) != 4 {
		return nil, exceptionIllegalValue
	}
	addr := int(binary.BigEndian.Uint16(data))
	arg := binary.BigEndian.Uint16(data[2:])
	switch fc {
	case fcReadCoils, fcReadDiscreteInputs:
		bank := b.Coils
		if fc == fcReadDiscreteInputs {
			bank = b.DiscreteInputs
		}
		if arg == 0 || addr+int(arg) > len(bank) {
			return nil, exceptionIllegalAddress
		}
		return packBits(bank[addr : addr+int(arg)]), 0
	case fcReadHoldingRegisters, fcReadInputRegisters:
		bank := b.Holding
		if fc == fcReadInputRegisters {
			bank = b.Input
		}
		if arg == 0 || addr+int(arg) > len(bank) {
			return nil, exceptionIllegalAddress
		}
		out := []byte{byte(2 * arg)}
		for _, v := range bank[addr : addr+int(arg)] {
			out = binary.BigEndian.AppendUint16(out, v)
		}
		return out, 0
	case fcWriteSingleCoil:
		if addr >= len(b.Coils) {
			return nil, exceptionIllegalAddress
		}
		if arg != 0xFF00 && arg != 0 {
			return nil, exceptionIllegalValue
		}
		b.Coils[addr] = arg == 0xFF00
		return data, 0
	case fcWriteSingleRegister:
		if addr >= len(b.Holding) {
			return nil, exceptionIllegalAddress
		}
		b.Holding[addr] = arg
		if b.OnWriteRegister != nil {
			b.OnWriteRegister(b, uint16(addr), arg)
		}
		return data, 0
	}
	return nil, exceptionIllegalFunction
}

func packBits(bits []bool) []byte {
	out := make([]byte, 1+(len(bits)+7)/8)
	out[0] = byte(len(out) - 1)
	for i, bit := range bits {
		if bit {
			out[1+i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// crc is the Modbus RTU CRC-16.
func crc(data []byte) uint16 {
	c := uint16(0xFFFF)
	for _, b := range data {
		c ^= uint16(b)
		for i := 0; i < 8; i++ {
			if c&1 != 0 {
				c = c>>1 ^ 0xA001
			} else {
				c >>= 1
			}
		}
	}
	return c
}
