package helpers

import "io"

// ReadLimitAndClose drains at most limit bytes from r and closes it. A
// non-positive limit reads everything.
func ReadLimitAndClose(r io.ReadCloser, limit int64) ([]byte, error) {
	defer r.Close()
	if limit <= 0 {
		return io.ReadAll(r)
	}
	return io.ReadAll(io.LimitReader(r, limit))
}
