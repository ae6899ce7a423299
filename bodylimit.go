package warden

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Common body size constants for convenience.
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
)

// ErrBodyTooLarge is returned when a request body exceeds the
// configured limit.
var ErrBodyTooLarge = errors.New("request body too large")

// BodyLimiter caps the size of outbound request bodies, bounding how
// much data a client can push through the proxy in one request.
// Requests with a Content-Length over the limit are rejected before
// any body byte is read; chunked bodies are cut off at the limit
// mid-stream.
type BodyLimiter struct {
	// MaxSize is the maximum allowed request body size in bytes.
	// Zero means no limit.
	MaxSize int64

	// SkipMethods are HTTP methods exempt from the check. Defaults to
	// GET, HEAD, OPTIONS, and TRACE via NewBodyLimiter.
	SkipMethods []string
}

// NewBodyLimiter creates a BodyLimiter with the given maximum size and
// the bodyless methods exempted.
func NewBodyLimiter(maxSize int64) *BodyLimiter {
	return &BodyLimiter{
		MaxSize:     maxSize,
		SkipMethods: []string{"GET", "HEAD", "OPTIONS", "TRACE"},
	}
}

// Check validates the request body size against the limit. Returns
// ErrBodyTooLarge (wrapped) when Content-Length already exceeds it;
// otherwise the body is wrapped so a chunked overrun errors during
// streaming.
func (bl *BodyLimiter) Check(req *http.Request) error {
	if bl.MaxSize <= 0 {
		return nil
	}
	for _, m := range bl.SkipMethods {
		if req.Method == m {
			return nil
		}
	}

	if req.ContentLength > bl.MaxSize {
		return fmt.Errorf("%w: content-length %d exceeds limit %d", ErrBodyTooLarge, req.ContentLength, bl.MaxSize)
	}

	if req.Body != nil && req.Body != http.NoBody {
		req.Body = &limitedReadCloser{
			ReadCloser: req.Body,
			remaining:  bl.MaxSize,
			limit:      bl.MaxSize,
		}
	}

	return nil
}

// Middleware returns an http.Handler middleware enforcing the limit.
func (bl *BodyLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := bl.Check(r); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitedReadCloser wraps an io.ReadCloser with a size limit.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
}

func (l *limitedReadCloser) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, fmt.Errorf("%w: exceeded limit of %d bytes", ErrBodyTooLarge, l.limit)
	}

	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}

	n, err = l.ReadCloser.Read(p)
	l.remaining -= int64(n)

	if l.remaining == 0 && err == nil {
		// At the boundary, peek for trailing data.
		var peek [1]byte
		pn, perr := l.ReadCloser.Read(peek[:])
		if pn > 0 {
			return n, fmt.Errorf("%w: exceeded limit of %d bytes", ErrBodyTooLarge, l.limit)
		}
		if perr == io.EOF {
			err = io.EOF
		}
	}

	return n, err
}
