package shell

// sanitizeState tracks where the sanitizer is inside an escape sequence
// when input is split across read chunks.
type sanitizeState int

const (
	stateNormal sanitizeState = iota
	stateEsc                  // saw ESC, next byte decides the sequence kind
	stateCSI                  // inside ESC [ ... terminated by a byte in 0x40..0x7e
	stateOSC                  // inside ESC ] ... terminated by BEL or ESC \
	stateOSCEsc               // inside OSC, saw ESC, waiting for the ST backslash
)

// Sanitizer strips terminal escape sequences and control bytes from a
// byte stream, preserving newlines and tabs. It keeps sequence state
// across calls so escape sequences split between chunks are still
// removed, and it normalizes CR and CRLF line endings to LF.
//
// A single Sanitizer must not be shared between goroutines.
type Sanitizer struct {
	state  sanitizeState
	skipLF bool // last emitted LF came from a CR, swallow a following LF
}

// Sanitize returns p with escape sequences and control bytes removed.
// The returned slice is freshly allocated; p is not modified.
func (s *Sanitizer) Sanitize(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	out := make([]byte, 0, len(p))
	for _, c := range p {
		switch s.state {
		case stateEsc:
			switch c {
			case '[':
				s.state = stateCSI
			case ']':
				s.state = stateOSC
			default:
				// Two-byte sequence such as ESC c or ESC ( B. The
				// parameter byte of ESC ( style sequences is rare in
				// command output and dropping it is acceptable.
				s.state = stateNormal
			}
		case stateCSI:
			// Parameter bytes 0x30..0x3f and intermediates 0x20..0x2f
			// continue the sequence. A final byte 0x40..0x7e ends it.
			if c >= 0x40 && c <= 0x7e {
				s.state = stateNormal
			}
		case stateOSC:
			switch c {
			case 0x07: // BEL terminator
				s.state = stateNormal
			case 0x1b:
				s.state = stateOSCEsc
			}
		case stateOSCEsc:
			if c == '\\' {
				s.state = stateNormal
			} else if c != 0x1b {
				s.state = stateOSC
			}
		default: // stateNormal
			switch {
			case c == 0x1b:
				s.state = stateEsc
			case c == '\r':
				out = append(out, '\n')
				s.skipLF = true
			case c == '\n':
				if s.skipLF {
					s.skipLF = false
				} else {
					out = append(out, '\n')
				}
			case c == '\t':
				out = append(out, c)
				s.skipLF = false
			case c < 0x20 || c == 0x7f:
				// Other control bytes are dropped.
			default:
				out = append(out, c)
				s.skipLF = false
			}
		}
	}
	return out
}
