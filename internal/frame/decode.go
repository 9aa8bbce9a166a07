package frame

import "github.com/pkg/errors"

// ErrTruncated is returned by the decode helpers when the input ends
// before a complete var-int has been read.
var ErrTruncated = errors.New("frame: truncated var-int")

// DecodeVarI32 decodes a value written by PackVarI32, returning the
// value and the number of bytes consumed. It exists to support the
// frame round-trip tests; wire decoding proper is the host tool's job.
func DecodeVarI32(data []byte) (int32, int, error) {
	v, n, err := decodeVar(data, MaxSizePack32)
	return int32(v), n, err
}

// DecodeVarI64 decodes a value written by PackVarI64.
func DecodeVarI64(data []byte) (int64, int, error) {
	v, n, err := decodeVar(data, MaxSizePack64)
	return v, n, err
}

func decodeVar(data []byte, maxBytes int) (int64, int, error) {
	var result int64
	var shift uint
	for i := 0; i < maxBytes; i++ {
		if i >= len(data) {
			return 0, 0, ErrTruncated
		}
		b := data[i]
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			// Sign-extend if the sign bit of the payload is set and
			// there is room left in the word.
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, i + 1, nil
		}
	}
	return 0, 0, ErrTruncated
}

// DecodeString decodes a value written by WriteString, returning the
// string and the number of bytes consumed.
func DecodeString(data []byte) (string, int, error) {
	n, consumed, err := DecodeVarI32(data)
	if err != nil {
		return "", 0, err
	}
	if n < 0 || consumed+int(n) > len(data) {
		return "", 0, ErrTruncated
	}
	return string(data[consumed : consumed+int(n)]), consumed + int(n), nil
}
