package browser

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/dgnsrekt/cdpmux/internal/journal"
)

const (
	captureLimit = 1 << 20
	reportLimit  = 8 << 10
)

// outputBuffer captures one stream of the browser process. It keeps at most
// captureLimit bytes and counts the rest so a chatty process never blocks on
// its pipe.
type outputBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	dropped int
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := captureLimit - b.buf.Len()
	if room >= len(p) {
		b.buf.Write(p)
		return len(p), nil
	}
	if room > 0 {
		b.buf.Write(p[:room])
		b.dropped += len(p) - room
	} else {
		b.dropped += len(p)
	}
	return len(p), nil
}

// Report returns the captured text bounded to reportLimit bytes. A truncated
// report ends with the original size and the sha256 of the captured bytes.
func (b *outputBuffer) Report() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out, truncated, size, sum := journal.TruncateBytes(b.buf.Bytes(), reportLimit)
	if !truncated && b.dropped == 0 {
		return string(out)
	}
	if sum == "" {
		raw := sha256.Sum256(b.buf.Bytes())
		sum = hex.EncodeToString(raw[:])
	}
	return fmt.Sprintf("%s ...[truncated: %d bytes, sha256 %s]", out, size+b.dropped, sum)
}
