package card

import (
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-wblink/frame"
)

// FilterSpec selects the frames a socket accepts: those whose 802.11
// source address starts with the peer's link identifier prefix.
type FilterSpec struct {
	Peer frame.LinkID
}

// addr2Offset is the offset of the 802.11 source address from the end
// of the radiotap header.
const addr2Offset = 10

// Instructions returns the socket filter program. It reads the
// radiotap length, loads four bytes of the source address that
// follows, and accepts the whole frame on a match.
func (s *FilterSpec) Instructions() asm.Instructions {
	want := int32(binary.NativeEndian.Uint32(s.Peer[:4]))
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),

		// skb_load_bytes(skb, 2, fp-8, 2): radiotap it_len.
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.Mov.Imm(asm.R2, 2),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, -8),
		asm.Mov.Imm(asm.R4, 2),
		asm.FnSkbLoadBytes.Call(),
		asm.JNE.Imm(asm.R0, 0, "drop"),

		// it_len is little endian on the wire.
		asm.LoadMem(asm.R2, asm.RFP, -8, asm.Half),
		asm.HostTo(asm.LE, asm.R2, asm.Half),
		asm.Add.Imm(asm.R2, addr2Offset),

		// skb_load_bytes(skb, it_len+10, fp-16, 4): addr2 prefix.
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, -16),
		asm.Mov.Imm(asm.R4, 4),
		asm.FnSkbLoadBytes.Call(),
		asm.JNE.Imm(asm.R0, 0, "drop"),

		asm.LoadMem(asm.R1, asm.RFP, -16, asm.Word),
		asm.JNE.Imm32(asm.R1, want, "drop"),

		// Accept: return skb->len.
		asm.LoadMem(asm.R0, asm.R6, 0, asm.Word),
		asm.Return(),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("drop"),
		asm.Return(),
	}
}

func (s *FilterSpec) attach(fd int) error {
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "wblink_peer",
		Type:         ebpf.SocketFilter,
		License:      "GPL",
		Instructions: s.Instructions(),
	})
	if err != nil {
		return fmt.Errorf("load socket filter: %w", err)
	}
	// The socket holds its own reference once attached.
	defer prog.Close()
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ATTACH_BPF, prog.FD()); err != nil {
		return fmt.Errorf("attach socket filter: %w", err)
	}
	return nil
}
