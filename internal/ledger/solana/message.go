package solana

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// AccountMeta describes one account referenced by an instruction.
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// MessageVersion selects the message wire format.
type MessageVersion int

const (
	// MessageLegacy is the original message format.
	MessageLegacy MessageVersion = iota
	// MessageV0 is the versioned format; it is emitted without address
	// lookup tables.
	MessageV0
)

// MessageHeader counts the signer and read-only account groups.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

type compiledInstruction struct {
	programIndex uint8
	accounts     []uint8
	data         []byte
}

// Message is a compiled transaction message.
type Message struct {
	Version         MessageVersion
	Header          MessageHeader
	AccountKeys     []PublicKey
	RecentBlockhash Hash
	instructions    []compiledInstruction
}

type accountEntry struct {
	key      PublicKey
	signer   bool
	writable bool
}

// CompileMessage orders the referenced accounts (fee payer first, then
// writable signers, read-only signers, writable non-signers and read-only
// non-signers) and compiles the instructions against that table.
func CompileMessage(payer PublicKey, blockhash Hash, instructions []Instruction) (*Message, error) {
	if len(instructions) == 0 {
		return nil, errors.New("message requires at least one instruction")
	}

	index := map[PublicKey]int{payer: 0}
	entries := []*accountEntry{{key: payer, signer: true, writable: true}}
	add := func(key PublicKey, signer, writable bool) {
		if i, ok := index[key]; ok {
			entries[i].signer = entries[i].signer || signer
			entries[i].writable = entries[i].writable || writable
			return
		}
		index[key] = len(entries)
		entries = append(entries, &accountEntry{key: key, signer: signer, writable: writable})
	}
	for _, ix := range instructions {
		for _, meta := range ix.Accounts {
			add(meta.PublicKey, meta.IsSigner, meta.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	var groups [4][]*accountEntry
	for i, e := range entries {
		if i == 0 {
			continue
		}
		switch {
		case e.signer && e.writable:
			groups[0] = append(groups[0], e)
		case e.signer:
			groups[1] = append(groups[1], e)
		case e.writable:
			groups[2] = append(groups[2], e)
		default:
			groups[3] = append(groups[3], e)
		}
	}

	ordered := []*accountEntry{entries[0]}
	for _, g := range groups {
		ordered = append(ordered, g...)
	}
	if len(ordered) > 256 {
		return nil, fmt.Errorf("message references %d accounts, limit is 256", len(ordered))
	}

	msg := &Message{
		RecentBlockhash: blockhash,
		Header: MessageHeader{
			NumRequiredSignatures:       uint8(1 + len(groups[0]) + len(groups[1])),
			NumReadonlySignedAccounts:   uint8(len(groups[1])),
			NumReadonlyUnsignedAccounts: uint8(len(groups[3])),
		},
	}
	position := make(map[PublicKey]uint8, len(ordered))
	for i, e := range ordered {
		msg.AccountKeys = append(msg.AccountKeys, e.key)
		position[e.key] = uint8(i)
	}
	for _, ix := range instructions {
		compiled := compiledInstruction{programIndex: position[ix.ProgramID], data: ix.Data}
		for _, meta := range ix.Accounts {
			compiled.accounts = append(compiled.accounts, position[meta.PublicKey])
		}
		msg.instructions = append(msg.instructions, compiled)
	}
	return msg, nil
}

// Signers returns the accounts whose signatures the message requires.
func (m *Message) Signers() []PublicKey {
	return m.AccountKeys[:m.Header.NumRequiredSignatures]
}

// Serialize encodes the message in its wire format.
func (m *Message) Serialize() []byte {
	var out []byte
	if m.Version == MessageV0 {
		out = append(out, 0x80)
	}
	out = append(out, m.Header.NumRequiredSignatures, m.Header.NumReadonlySignedAccounts, m.Header.NumReadonlyUnsignedAccounts)
	out = appendCompactU16(out, len(m.AccountKeys))
	for _, key := range m.AccountKeys {
		out = append(out, key[:]...)
	}
	out = append(out, m.RecentBlockhash[:]...)
	out = appendCompactU16(out, len(m.instructions))
	for _, ix := range m.instructions {
		out = append(out, ix.programIndex)
		out = appendCompactU16(out, len(ix.accounts))
		out = append(out, ix.accounts...)
		out = appendCompactU16(out, len(ix.data))
		out = append(out, ix.data...)
	}
	if m.Version == MessageV0 {
		out = appendCompactU16(out, 0)
	}
	return out
}

// parseMessageSigners reads the header and static account keys of a
// serialized legacy or v0 message.
func parseMessageSigners(raw []byte) ([]PublicKey, error) {
	off := 0
	if len(raw) > 0 && raw[0]&0x80 != 0 {
		if version := raw[0] & 0x7f; version != 0 {
			return nil, fmt.Errorf("unsupported message version %d", version)
		}
		off = 1
	}
	if len(raw) < off+3 {
		return nil, errors.New("message header truncated")
	}
	required := int(raw[off])
	off += 3
	count, n, err := readCompactU16(raw[off:])
	if err != nil {
		return nil, err
	}
	off += n
	if required > count {
		return nil, fmt.Errorf("message requires %d signatures but lists %d accounts", required, count)
	}
	if len(raw) < off+count*32 {
		return nil, errors.New("message account keys truncated")
	}
	signers := make([]PublicKey, required)
	for i := range signers {
		copy(signers[i][:], raw[off+i*32:off+(i+1)*32])
	}
	return signers, nil
}

func appendCompactU16(b []byte, n int) []byte {
	for {
		elem := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(b, elem)
		}
		b = append(b, elem|0x80)
	}
}

func readCompactU16(b []byte) (int, int, error) {
	value := 0
	for size := 0; size < 3; size++ {
		if size >= len(b) {
			return 0, 0, errors.New("compact-u16 truncated")
		}
		elem := int(b[size])
		value |= (elem & 0x7f) << (7 * size)
		if elem&0x80 == 0 {
			return value, size + 1, nil
		}
	}
	return 0, 0, errors.New("compact-u16 overflow")
}

func putU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func putU64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}
