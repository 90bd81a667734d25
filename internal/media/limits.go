package media

import (
	"io"
)

// DefaultMaxBytes caps downloads when no limit is configured.
const DefaultMaxBytes int64 = 20 << 20

// ReadLimited drains r, failing with *TooLargeError once more than limit
// bytes arrive. A non-positive limit selects DefaultMaxBytes. At most
// limit+1 bytes are read from r.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &TooLargeError{Limit: limit}
	}
	return data, nil
}
