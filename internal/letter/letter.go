// Package letter separates a drafted letter from the conversational reply of
// a streamed model response.
//
// The model is instructed to wrap its draft in <letter>...</letter>. Tokens
// arrive in arbitrary fragments, so a Splitter scans the unconsumed tail of
// the stream and holds back only the few characters that could still turn
// into a marker.
package letter

// Markers recognised in a response. Matching is case-sensitive.
const (
	Open  = "<letter>"
	Close = "</letter>"
)

// DefaultPlaceholder is shown after the visible text while a letter is being
// received.
const DefaultPlaceholder = "Skriver brev..."

// Mode is the position of the splitter relative to the letter region.
type Mode int

const (
	OutsideLetter Mode = iota
	InsideLetter
)

func (m Mode) String() string {
	switch m {
	case OutsideLetter:
		return "outside"
	case InsideLetter:
		return "inside"
	default:
		return "unknown"
	}
}

// Policy decides what happens to a letter whose closing marker never arrived.
type Policy int

const (
	// KeepPartial returns the received letter text as a best-effort draft.
	KeepPartial Policy = iota
	// DropPartial discards an unterminated letter.
	DropPartial
)

// ParsePolicy maps a config value to a Policy. Unknown values fall back to
// KeepPartial.
func ParsePolicy(s string) Policy {
	if s == "drop" {
		return DropPartial
	}
	return KeepPartial
}

func (p Policy) String() string {
	if p == DropPartial {
		return "drop"
	}
	return "keep"
}

// Update is the live state after a fragment has been consumed.
type Update struct {
	// Visible is the confirmed reply text. It never contains markers.
	Visible string
	// Letter is the letter text received so far.
	Letter string
	// HasLetter reports whether an opening marker has been seen.
	HasLetter bool
	Mode      Mode
	// Placeholder is appended by Rendered while the letter is being composed.
	Placeholder string
}

// Composing reports whether the letter is still being received.
func (u Update) Composing() bool {
	return u.Mode == InsideLetter
}

// Rendered returns the text to display in the reply pane. The placeholder is
// presentation only and is never part of Visible.
func (u Update) Rendered() string {
	if u.Mode != InsideLetter || u.Placeholder == "" {
		return u.Visible
	}
	if u.Visible == "" {
		return u.Placeholder
	}
	return u.Visible + "\n\n" + u.Placeholder
}

// CompletedExchange is the final result of one response stream.
type CompletedExchange struct {
	Visible string  `json:"visible"`
	Letter  *string `json:"letter,omitempty"`
	// Terminated is false when the stream ended inside the letter region.
	Terminated bool `json:"terminated"`
}

// HasLetter reports whether the exchange produced a letter, possibly empty.
func (e CompletedExchange) HasLetter() bool {
	return e.Letter != nil
}

// LetterText returns the letter or "" when there is none.
func (e CompletedExchange) LetterText() string {
	if e.Letter == nil {
		return ""
	}
	return *e.Letter
}
