// Package feedback logs finished exchanges and the ratings users give them.
package feedback

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when rating a record that does not exist.
	ErrNotFound = errors.New("feedback record not found")
	// ErrInvalidRating is returned for stars outside 1-5.
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
)

// Record is one completed exchange.
type Record struct {
	SessionID string
	Query     string
	Visible   string
	// Letter is nil when the response contained no letter.
	Letter *string
	Model  string
}

// Rating is the user's judgement of a response.
type Rating struct {
	Stars   int    `json:"rating"`
	Comment string `json:"comment"`
}

// Validate checks the star range.
func (r Rating) Validate() error {
	if r.Stars < 1 || r.Stars > 5 {
		return fmt.Errorf("%w: got %d", ErrInvalidRating, r.Stars)
	}
	return nil
}

// Sink stores records and attaches ratings to them later.
type Sink interface {
	// Record stores rec and returns its id.
	Record(ctx context.Context, rec Record) (string, error)
	// Rate attaches a rating to a stored record.
	Rate(ctx context.Context, id string, rating Rating) error
}

// Entry is a stored record with its rating. Stars is 0 until rated.
type Entry struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id,omitempty"`
	Query     string  `json:"query"`
	Visible   string  `json:"visible"`
	Letter    *string `json:"letter,omitempty"`
	Stars     int     `json:"rating,omitempty"`
	Comment   string  `json:"comment,omitempty"`
}

// Getter is implemented by sinks that can read records back.
type Getter interface {
	Get(ctx context.Context, id string) (Entry, error)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Record(context.Context, Record) (string, error) { return "", nil }
func (NopSink) Rate(context.Context, string, Rating) error     { return nil }
