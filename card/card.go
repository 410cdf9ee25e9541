// Package card opens radios for frame injection and capture. It
// provides a Linux raw-socket implementation, an in-process emulated
// medium, and discovery and monitor-mode takeover of physical cards.
package card

import (
	"errors"

	"github.com/frobware/go-wblink"
)

// ErrClosed is returned by ReadFrame and Inject after Close.
var ErrClosed = errors.New("card closed")

// Card is an opened radio exclusively owned by one link engine.
type Card interface {
	// Info describes the radio.
	Info() wblink.WifiCard
	// Inject transmits one frame starting with a radiotap header.
	Inject(frame []byte) error
	// ReadFrame blocks until a frame is captured and copies it, with
	// its radiotap header, into buf. It returns ErrClosed once Close
	// has been called.
	ReadFrame(buf []byte) (int, error)
	// Close releases the radio and unblocks ReadFrame.
	Close() error
}

// Infos returns the descriptions of cards.
func Infos(cards []Card) []wblink.WifiCard {
	out := make([]wblink.WifiCard, len(cards))
	for i, c := range cards {
		out[i] = c.Info()
	}
	return out
}

// CloseAll closes every card and returns the joined errors.
func CloseAll(cards []Card) error {
	var errs []error
	for _, c := range cards {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
