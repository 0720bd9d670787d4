package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"ebcvm/internal/bytecode"
	"ebcvm/internal/ui"
)

var disasmBase uint64

var disasmCmd = &cobra.Command{
	Use:   "disasm <image>",
	Short: "Disassemble a flat EBC image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return disassemble(cmd.OutOrStdout(), code, disasmBase)
	},
}

func init() {
	disasmCmd.Flags().Uint64Var(&disasmBase, "base", defaultImageBase, "address of the first byte")
}

// disassemble prints one instruction per line with its address and raw
// bytes. Undecodable bytes are printed as .byte and skipped.
func disassemble(out io.Writer, code []byte, base uint64) error {
	for off := 0; off < len(code); {
		addr := base + uint64(off) //nolint:gosec
		inst, err := bytecode.Decode(code[off:])
		if err != nil {
			if _, err := fmt.Fprintf(out, "0x%08x  %s .byte 0x%02x\n", addr, ui.PadRight(fmt.Sprintf("%02x", code[off]), 54), code[off]); err != nil {
				return err
			}
			off++
			continue
		}
		raw := make([]string, inst.Len)
		for i, b := range code[off : off+inst.Len] {
			raw[i] = fmt.Sprintf("%02x", b)
		}
		if _, err := fmt.Fprintf(out, "0x%08x  %s %s\n", addr, ui.PadRight(strings.Join(raw, " "), 54), inst); err != nil {
			return err
		}
		off += inst.Len
	}
	return nil
}
