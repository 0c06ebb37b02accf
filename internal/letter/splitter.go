package letter

import "strings"

// Splitter consumes response fragments and separates the letter from the
// reply. A Splitter is owned by a single goroutine and handles one response
// at a time; Finish resets it for the next.
type Splitter struct {
	placeholder string
	policy      Policy

	// visible never contains a marker, see writeVisible.
	visible []byte
	letter  strings.Builder
	mode    Mode
	// pending holds the unconsumed tail that is a proper prefix of a marker.
	pending  string
	opened   bool
	finished bool // a complete letter region has been seen
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithPlaceholder sets the text shown while a letter is being composed.
func WithPlaceholder(text string) Option {
	return func(s *Splitter) { s.placeholder = text }
}

// WithPolicy sets the unterminated letter policy.
func WithPolicy(p Policy) Option {
	return func(s *Splitter) { s.policy = p }
}

// NewSplitter returns a Splitter ready for a new response.
func NewSplitter(opts ...Option) *Splitter {
	s := &Splitter{
		placeholder: DefaultPlaceholder,
		policy:      KeepPartial,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Feed consumes the next fragment and returns the live state. Empty
// fragments are allowed.
func (s *Splitter) Feed(fragment string) Update {
	buf := s.pending + fragment
	s.pending = ""

	for buf != "" {
		if s.mode == InsideLetter {
			if i := strings.Index(buf, Close); i >= 0 {
				s.letter.WriteString(buf[:i])
				buf = buf[i+len(Close):]
				s.mode = OutsideLetter
				s.finished = true
				continue
			}
			n := heldBack(buf, Close)
			s.letter.WriteString(buf[:len(buf)-n])
			s.pending = buf[len(buf)-n:]
			break
		}

		i, marker := firstMarker(buf)
		if i < 0 {
			n := max(heldBack(buf, Open), heldBack(buf, Close))
			s.writeVisible(buf[:len(buf)-n])
			s.pending = buf[len(buf)-n:]
			break
		}
		s.writeVisible(buf[:i])
		buf = buf[i+len(marker):]
		// Only the first opening marker starts a letter. Stray closing
		// markers and any markers after the letter are dropped.
		if marker == Open && !s.opened {
			s.opened = true
			s.mode = InsideLetter
		}
	}

	return s.snapshot()
}

// Finish ends the current response, flushes held-back characters, applies
// the unterminated letter policy and resets the splitter.
func (s *Splitter) Finish() CompletedExchange {
	if s.pending != "" {
		if s.mode == InsideLetter {
			s.letter.WriteString(s.pending)
		} else {
			s.writeVisible(s.pending)
		}
		s.pending = ""
	}

	ex := CompletedExchange{
		Visible:    string(s.visible),
		Terminated: s.mode == OutsideLetter,
	}
	if s.opened && (s.finished || s.policy == KeepPartial) {
		text := s.letter.String()
		ex.Letter = &text
	}

	s.reset()
	return ex
}

// Split is a convenience for a response that is already complete.
func (s *Splitter) Split(response string) CompletedExchange {
	s.Feed(response)
	return s.Finish()
}

// Split separates a complete response with default options.
func Split(response string) CompletedExchange {
	return NewSplitter().Split(response)
}

func (s *Splitter) snapshot() Update {
	return Update{
		Visible:     string(s.visible),
		Letter:      s.letter.String(),
		HasLetter:   s.opened,
		Mode:        s.mode,
		Placeholder: s.placeholder,
	}
}

func (s *Splitter) reset() {
	s.visible = s.visible[:0]
	s.letter.Reset()
	s.mode = OutsideLetter
	s.pending = ""
	s.opened = false
	s.finished = false
}

// writeVisible appends text to the reply. Removing a marker can join the
// text around it into a new marker, as in "<let</letter>ter>", so the
// seam is scanned again after every removal until no marker is left.
// Markers cannot overlap each other, so the result does not depend on how
// the text was cut into appends.
func (s *Splitter) writeVisible(text string) {
	if text == "" {
		return
	}
	start := max(0, len(s.visible)-(len(Close)-1))
	s.visible = append(s.visible, text...)
	for {
		i, marker := firstMarker(string(s.visible[start:]))
		if i < 0 {
			return
		}
		i += start
		s.visible = append(s.visible[:i], s.visible[i+len(marker):]...)
		start = max(0, i-(len(Close)-1))
	}
}

// firstMarker returns the position of the earliest marker in buf.
func firstMarker(buf string) (int, string) {
	o := strings.Index(buf, Open)
	c := strings.Index(buf, Close)
	switch {
	case o < 0 && c < 0:
		return -1, ""
	case c < 0 || (o >= 0 && o < c):
		return o, Open
	default:
		return c, Close
	}
}

// heldBack returns the length of the longest suffix of buf that is a proper
// prefix of marker.
func heldBack(buf, marker string) int {
	n := min(len(buf), len(marker)-1)
	for ; n > 0; n-- {
		if strings.HasSuffix(buf, marker[:n]) {
			return n
		}
	}
	return 0
}
