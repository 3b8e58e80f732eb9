package encode

import (
	"tlog.app/go/errors"

	"github.com/warpc/warp/src/compiler/mir"
)

/* The wire boundary. Bundles and clause headers are packed with explicit
 * shifts over declared-width integers, round-trip tested; nothing here
 * reinterprets memory.
 */

// Serialized sizes in bytes. ALU bundles start with a control word and pad
// to quadword granularity.
const (
	ControlBytes = 4

	vectorALUBytes     = 8
	scalarALUBytes     = 4
	compactBranchBytes = 2

	LoadStoreWordBytes = 8
	TextureWordBytes   = 16

	Quadword = 16
)

// Bundle tag codes as encoded in the control word low nibble. ALU tags
// encode the bundle quadword size.
const (
	TagTextureVertex = 0x2
	TagTexture       = 0x3
	TagLoadStore     = 0x5
	TagALU4          = 0x8 // +1 per extra quadword, up to 0xb
)

type (
	// ControlWord is the unpacked leading word of an ALU bundle.
	ControlWord struct {
		Tag          uint8 // tag code, size included for ALU
		Units        uint8 // functional unit enable bits
		Instructions uint8
		HasConstants bool
		Padding      uint8
	}

	// ClauseHeader carries the scoreboard metadata of one clause.
	ClauseHeader struct {
		BundleCount   uint8
		ConstantCount uint8
		ScoreboardID  uint8 // slot this clause signals, 0..7
		WaitMask      uint8 // slots to wait on before issue
		BackToBack    bool
		MessageType   uint8
		Quadwords     uint8
	}
)

// InstructionBytes is the serialized size of one ALU instruction by the
// unit it was scheduled to.
func InstructionBytes(q *mir.Instruction) int {
	switch {
	case q.CompactBranch:
		return compactBranchBytes
	case q.Unit == mir.UnitSAdd || q.Unit == mir.UnitSMul:
		return scalarALUBytes
	default:
		return vectorALUBytes
	}
}

// BundleTag computes the control tag code for a scheduled bundle. Texture
// bundles encode differently outside fragment stage.
func BundleTag(b *mir.Bundle, stage mir.Stage) (uint8, error) {
	switch b.Tag {
	case mir.TagALU:
		if b.Quadwords < 1 || b.Quadwords > 4 {
			return 0, errors.New("alu bundle of %v quadwords", b.Quadwords)
		}

		return TagALU4 + uint8(b.Quadwords) - 1, nil
	case mir.TagLoadStore:
		return TagLoadStore, nil
	case mir.TagTexture:
		if stage == mir.StageFragment {
			return TagTexture, nil
		}

		return TagTextureVertex, nil
	default:
		return 0, errors.New("unknown bundle tag: %v", b.Tag)
	}
}

/* Control word layout:
 *
 *   bits  0..3   tag code
 *   bits  4..9   unit enable bits
 *   bits 10..13  instruction count
 *   bit  14      embedded constants follow
 *   bits 16..19  padding bytes
 */

func (w ControlWord) Pack() (uint32, error) {
	switch {
	case w.Tag > 0xf:
		return 0, errors.New("tag overflow: %#x", w.Tag)
	case w.Units > 0x3f:
		return 0, errors.New("units overflow: %#x", w.Units)
	case w.Instructions > 0xf:
		return 0, errors.New("instruction count overflow: %v", w.Instructions)
	case w.Padding > 0xf:
		return 0, errors.New("padding overflow: %v", w.Padding)
	}

	v := uint32(w.Tag) |
		uint32(w.Units)<<4 |
		uint32(w.Instructions)<<10 |
		uint32(w.Padding)<<16

	if w.HasConstants {
		v |= 1 << 14
	}

	return v, nil
}

func UnpackControlWord(v uint32) ControlWord {
	return ControlWord{
		Tag:          uint8(v & 0xf),
		Units:        uint8(v >> 4 & 0x3f),
		Instructions: uint8(v >> 10 & 0xf),
		HasConstants: v>>14&1 != 0,
		Padding:      uint8(v >> 16 & 0xf),
	}
}

// PackBundleControl derives and packs the control word of a scheduled
// bundle.
func PackBundleControl(b *mir.Bundle, stage mir.Stage) (uint32, error) {
	tag, err := BundleTag(b, stage)
	if err != nil {
		return 0, errors.Wrap(err, "tag")
	}

	w := ControlWord{
		Tag:          tag,
		Units:        uint8(b.Control & 0x3f),
		Instructions: uint8(len(b.Instructions)),
		HasConstants: b.HasConstants,
		Padding:      b.Padding,
	}

	return w.Pack()
}

/* Clause header layout:
 *
 *   bits  0..3   bundle count
 *   bits  4..7   constant count
 *   bits  8..10  scoreboard slot
 *   bits 11..18  dependency wait mask
 *   bit  19      back-to-back
 *   bits 20..23  message type
 *   bits 24..27  quadwords
 */

func (h ClauseHeader) Pack() (uint32, error) {
	switch {
	case h.BundleCount > 0xf:
		return 0, errors.New("bundle count overflow: %v", h.BundleCount)
	case h.ConstantCount > 0xf:
		return 0, errors.New("constant count overflow: %v", h.ConstantCount)
	case h.ScoreboardID > 0x7:
		return 0, errors.New("scoreboard slot overflow: %v", h.ScoreboardID)
	case h.MessageType > 0xf:
		return 0, errors.New("message type overflow: %v", h.MessageType)
	case h.Quadwords > 0xf:
		return 0, errors.New("quadwords overflow: %v", h.Quadwords)
	}

	v := uint32(h.BundleCount) |
		uint32(h.ConstantCount)<<4 |
		uint32(h.ScoreboardID)<<8 |
		uint32(h.WaitMask)<<11 |
		uint32(h.MessageType)<<20 |
		uint32(h.Quadwords)<<24

	if h.BackToBack {
		v |= 1 << 19
	}

	return v, nil
}

func UnpackClauseHeader(v uint32) ClauseHeader {
	return ClauseHeader{
		BundleCount:   uint8(v & 0xf),
		ConstantCount: uint8(v >> 4 & 0xf),
		ScoreboardID:  uint8(v >> 8 & 0x7),
		WaitMask:      uint8(v >> 11 & 0xff),
		BackToBack:    v>>19&1 != 0,
		MessageType:   uint8(v >> 20 & 0xf),
		Quadwords:     uint8(v >> 24 & 0xf),
	}
}
