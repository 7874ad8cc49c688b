package segment

import (
	"fmt"

	"github.com/deterministic-vault/vault/internal/vaultcrypto"
	"github.com/deterministic-vault/vault/internal/vaulterr"
)

// CommandKind tags the variant carried by a Command.
type CommandKind uint8

const (
	// CommandAddFolder references a child folder inside a folder path.
	CommandAddFolder CommandKind = iota
	// CommandAddFile references a child file inside a folder path.
	CommandAddFile
	// CommandAddBlock records one extent of a file path's content.
	CommandAddBlock
)

// Command is one entry in a path's meta log. Commands for a path
// accumulate monotonically: later commands extend but never modify
// earlier ones.
type Command struct {
	Kind CommandKind

	// Name is set for CommandAddFolder and CommandAddFile.
	Name string
	// Size is the file size for CommandAddFile, or the extent size for
	// CommandAddBlock.
	Size uint64
	// Hash is the chunk hash for CommandAddBlock.
	Hash vaultcrypto.Hash
	// Start is the byte offset of the extent for CommandAddBlock.
	Start uint64
}

// MetaSegment is an ordered list of Commands, the decoded contents of one
// meta log slot for a path.
type MetaSegment struct {
	Commands []Command
}

// Encode serializes s into a single wire-stable byte string. Callers
// split the result with FrameForSlots when it exceeds one segment's
// plaintext budget.
func (s MetaSegment) Encode() []byte {
	w := &writer{}
	w.u32(uint32(len(s.Commands)))
	for _, c := range s.Commands {
		w.u8(uint8(c.Kind))
		switch c.Kind {
		case CommandAddFolder:
			w.string(c.Name)
		case CommandAddFile:
			w.string(c.Name)
			w.u64(c.Size)
		case CommandAddBlock:
			w.bytes(c.Hash[:])
			w.u64(c.Size)
			w.u64(c.Start)
		}
	}
	return w.bytesField()
}

// DecodeMetaSegment parses bytes previously produced by Encode (after
// reassembling any FrameForSlots split with FrameGatherer).
func DecodeMetaSegment(data []byte) (MetaSegment, error) {
	r := newReader(data)

	count, err := r.u32()
	if err != nil {
		return MetaSegment{}, err
	}
	commands := make([]Command, 0, count)
	for i := uint32(0); i < count; i++ {
		kindByte, err := r.u8()
		if err != nil {
			return MetaSegment{}, err
		}
		kind := CommandKind(kindByte)
		var cmd Command
		cmd.Kind = kind
		switch kind {
		case CommandAddFolder:
			name, err := r.string()
			if err != nil {
				return MetaSegment{}, err
			}
			cmd.Name = name
		case CommandAddFile:
			name, err := r.string()
			if err != nil {
				return MetaSegment{}, err
			}
			size, err := r.u64()
			if err != nil {
				return MetaSegment{}, err
			}
			cmd.Name = name
			cmd.Size = size
		case CommandAddBlock:
			h, err := r.bytes()
			if err != nil {
				return MetaSegment{}, err
			}
			if len(h) != len(vaultcrypto.Hash{}) {
				return MetaSegment{}, fmt.Errorf("%w: bad block hash length", vaulterr.ErrInvalidFormat)
			}
			size, err := r.u64()
			if err != nil {
				return MetaSegment{}, err
			}
			start, err := r.u64()
			if err != nil {
				return MetaSegment{}, err
			}
			var hv vaultcrypto.Hash
			copy(hv[:], h)
			cmd.Hash = hv
			cmd.Size = size
			cmd.Start = start
		default:
			return MetaSegment{}, fmt.Errorf("%w: unknown command kind %d", vaulterr.ErrInvalidFormat, kind)
		}
		commands = append(commands, cmd)
	}

	if !r.done() {
		return MetaSegment{}, fmt.Errorf("%w: trailing bytes in meta segment", vaulterr.ErrInvalidFormat)
	}

	return MetaSegment{Commands: commands}, nil
}
