package reqengine

import (
	"io"

	"github.com/klppl/relaybridge/internal/relayerr"
)

// JSONBodyLimit and MediaBodyLimit are the two body-size ceilings the relay
// enforces, one per content class.
const (
	JSONBodyLimit  = 1 << 20        // 1 MiB
	MediaBodyLimit = 16 << 20       // 16 MiB
)

// LimitReader wraps r so that reading more than limit bytes fails with
// relayerr.KindBodyTooLarge instead of silently truncating or buffering the
// whole body. It reads one extra byte past the limit to detect overflow
// without ever holding more than limit+1 bytes in flight.
type LimitReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func NewLimitReader(r io.Reader, limit int64) *LimitReader {
	return &LimitReader{r: r, limit: limit}
}

func (l *LimitReader) Read(p []byte) (int, error) {
	if l.read > l.limit {
		return 0, relayerr.New(relayerr.KindBodyTooLarge, "body exceeds size limit")
	}
	// Cap the read window to limit+1 so we can detect "exactly one byte over"
	// without ever buffering more than that past the ceiling.
	if remaining := l.limit + 1 - l.read; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.limit {
		return n, relayerr.New(relayerr.KindBodyTooLarge, "body exceeds size limit")
	}
	return n, err
}

// ReadAllLimited drains r fully, failing with BodyTooLarge the instant the
// limit is crossed rather than after buffering an unbounded body.
func ReadAllLimited(r io.Reader, limit int64) ([]byte, error) {
	lr := NewLimitReader(r, limit)
	return io.ReadAll(lr)
}
