// Package dedup suppresses re-processing of frames a device re-sends after a
// missed acknowledgement.
package dedup

import (
	"context"
	"encoding/hex"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/zeebo/blake3"
)

const dayLayout = "2006-01-02"

// Fingerprint identifies a raw frame from one source on one calendar day.
func Fingerprint(raw []byte, ip string, port int, day time.Time) string {
	buf := make([]byte, 0, len(raw)+len(ip)+32)
	buf = append(buf, raw...)
	buf = append(buf, 0)
	buf = append(buf, ip...)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(port), 10)
	buf = append(buf, 0)
	buf = day.Local().AppendFormat(buf, dayLayout)

	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Window is a bounded set of recently seen fingerprints. It is safe for
// concurrent use by every connection session.
type Window struct {
	mu         sync.Mutex
	seen       *cache.Cache
	maxEntries int
}

// NewWindow creates a window that is cleared once it holds more than
// maxEntries fingerprints. Entries also expire after retention.
func NewWindow(maxEntries int, retention time.Duration) *Window {
	return &Window{
		seen:       cache.New(retention, retention/2),
		maxEntries: maxEntries,
	}
}

// TryAdd records fp and reports whether it had not been seen before.
func (w *Window) TryAdd(fp string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen.Add(fp, struct{}{}, cache.DefaultExpiration) == nil
}

// Len returns the number of fingerprints currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen.ItemCount()
}

// Trim clears the whole window if it grew past its high-water mark and
// reports whether it did.
func (w *Window) Trim() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen.ItemCount() <= w.maxEntries {
		return false
	}
	w.seen.Flush()
	return true
}

// Run trims the window every interval until ctx is cancelled.
func (w *Window) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Stopping dedup window trimmer.")
			return
		case <-ticker.C:
			if w.Trim() {
				log.Printf("Dedup window exceeded %d entries, cleared.", w.maxEntries)
			}
		}
	}
}
