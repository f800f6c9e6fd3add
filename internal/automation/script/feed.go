// Package script provides scripted stand-ins for the on-device screen reader
// and gesture executor, so the pipeline can run off a recorded offer feed.
package script

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ashureev/dasher-automate/internal/domain"
)

// Feed replays offers from a JSON-lines file, one offer object per line.
// Blank lines and lines starting with '#' are skipped.
type Feed struct {
	mu      sync.Mutex
	offers  []domain.Offer
	next    int
	current *domain.Offer
}

// OpenFeed loads a feed from path.
func OpenFeed(path string) (*Feed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open offer feed: %w", err)
	}
	defer f.Close()
	return LoadFeed(f)
}

// LoadFeed parses a feed from r.
func LoadFeed(r io.Reader) (*Feed, error) {
	var offers []domain.Offer
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		var o domain.Offer
		if err := json.Unmarshal(text, &o); err != nil {
			return nil, fmt.Errorf("offer feed line %d: %w", line, err)
		}
		offers = append(offers, o)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read offer feed: %w", err)
	}
	return &Feed{offers: offers}, nil
}

// Len returns the number of offers in the feed.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

// Advance puts the next offer on screen. It returns false once the feed is
// exhausted.
func (f *Feed) Advance() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.offers) {
		f.current = nil
		return false
	}
	o := f.offers[f.next]
	f.next++
	f.current = &o
	return true
}

// Dismiss clears the screen, as happens after an offer is acted on.
func (f *Feed) Dismiss() {
	f.mu.Lock()
	f.current = nil
	f.mu.Unlock()
}

// ExtractCurrentOffer returns the offer on screen, or nil.
func (f *Feed) ExtractCurrentOffer(context.Context) (*domain.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil, nil
	}
	o := *f.current
	return &o, nil
}

// Play advances the feed every interval and calls notify after each step,
// until the feed is exhausted or ctx is cancelled.
func (f *Feed) Play(ctx context.Context, interval time.Duration, notify func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !f.Advance() {
			return nil
		}
		notify()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
