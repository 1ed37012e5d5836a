// Package slip implements RFC 1055 SLIP framing as used by the K210
// boot ROM's serial ISP protocol: 0xC0 delimits frames, 0xDB escapes
// literal 0xC0/0xDB bytes inside a frame.
package slip

import "errors"

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// ErrInvalidEscape is returned by Decode when an Esc byte is followed
// by anything other than EscEnd or EscEsc.
var ErrInvalidEscape = errors.New("slip: invalid escape sequence")

// Encode wraps data in SLIP framing: a leading and trailing End byte,
// with Esc/End bytes inside data escaped as a two-byte sequence.
func Encode(data []byte) []byte {
	result := make([]byte, 0, len(data)+10)
	result = append(result, End)

	for _, b := range data {
		switch b {
		case End:
			result = append(result, Esc, EscEnd)
		case Esc:
			result = append(result, Esc, EscEsc)
		default:
			result = append(result, b)
		}
	}

	result = append(result, End)
	return result
}

// Decode extracts the payload from a SLIP frame (leading/trailing End
// bytes included). It returns ErrInvalidEscape if an Esc byte is
// followed by anything other than EscEnd or EscEsc.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, nil
	}

	start := 0
	end := len(frame)

	for start < end && frame[start] == End {
		start++
	}
	for end > start && frame[end-1] == End {
		end--
	}

	if start >= end {
		return nil, nil
	}

	data := frame[start:end]
	result := make([]byte, 0, len(data))

	i := 0
	for i < len(data) {
		if data[i] == Esc {
			if i+1 >= len(data) {
				return nil, ErrInvalidEscape
			}
			switch data[i+1] {
			case EscEnd:
				result = append(result, End)
			case EscEsc:
				result = append(result, Esc)
			default:
				return nil, ErrInvalidEscape
			}
			i += 2
		} else {
			result = append(result, data[i])
			i++
		}
	}

	return result, nil
}

// ReadFrame scans data for a complete SLIP frame (from the first End
// byte through the next unescaped End byte) and returns it along with
// whatever bytes follow it. If no complete frame is present yet, frame
// is nil and remaining is the original data, unchanged, for the caller
// to append more bytes to and retry.
func ReadFrame(data []byte) (frame []byte, remaining []byte) {
	start := -1
	for i, b := range data {
		if b == End {
			start = i
			break
		}
	}

	if start == -1 {
		return nil, data
	}

	inFrame := false
	for i := start; i < len(data); i++ {
		if data[i] == End {
			if inFrame {
				return data[start : i+1], data[i+1:]
			}
		} else {
			inFrame = true
		}
	}

	return nil, data
}
