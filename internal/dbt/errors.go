package dbt

import "fmt"

// TranslationFault is raised for translator-fatal conditions: an unknown,
// invalid, privileged or unsupported opcode, or an unsupported prefix.
// These are implementation limits on what the translator can rewrite, not
// guest-triggered runtime errors, so they are modeled as a panic/recover
// pair rather than an error return.
type TranslationFault struct {
	PC      GuestAddr
	Opcode  uint8
	Escape  bool
	Message string
}

func (f *TranslationFault) Error() string {
	prefix := ""
	if f.Escape {
		prefix = "0F "
	}
	return fmt.Sprintf("dbt: fatal at %s: opcode %s%02X: %s", f.PC, prefix, f.Opcode, f.Message)
}

// fatalf panics with a *TranslationFault built from pc/opcode/escape and a
// formatted message. Only the FindNext/FindDirect entry points recover it;
// everywhere else it is expected to unwind to that boundary.
func fatalf(pc GuestAddr, opcode uint8, escape bool, format string, args ...any) {
	panic(&TranslationFault{PC: pc, Opcode: opcode, Escape: escape, Message: fmt.Sprintf(format, args...)})
}
