package engine

import (
	"bytes"
	"io"
	"net/http"
)

// drainBounded reads up to max+1 bytes from body. When the body fits
// within max, it is fully consumed and closed, and oversized is false.
// When it doesn't, body is returned still open as rest (already advanced
// past prefix) and the caller must splice prefix+rest back together for
// the client without ever storing it.
func drainBounded(body io.ReadCloser, max int64) (prefix []byte, rest io.ReadCloser, oversized bool, err error) {
	if max <= 0 {
		max = 1<<63 - 1
	}
	buf, rerr := io.ReadAll(io.LimitReader(body, max+1))
	if rerr != nil {
		return nil, body, false, rerr
	}
	if int64(len(buf)) <= max {
		body.Close()
		return buf, nil, false, nil
	}
	return buf, body, true, nil
}

// compositeBody re-joins an already-read prefix with the unread remainder
// of the original body, so a response whose draining overran the storage
// limit can still be returned to the client byte-exact.
type compositeBody struct {
	io.Reader
	underlying io.Closer
}

func (c compositeBody) Close() error { return c.underlying.Close() }

func newCompositeBody(prefix []byte, rest io.ReadCloser) io.ReadCloser {
	return compositeBody{Reader: io.MultiReader(bytes.NewReader(prefix), rest), underlying: rest}
}

func drainAndClose(res *http.Response) {
	if res == nil || res.Body == nil {
		return
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}

func closeBody(res *http.Response) {
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
}
