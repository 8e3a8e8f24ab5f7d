package cms

import (
	"bytes"
	"errors"
	"fmt"
)

var errTruncated = errors.New("ber: truncated element")

// ber2der re-encodes a BER element with definite lengths throughout, which is
// all encoding/asn1 accepts. Constructed elements are rebuilt from their
// converted children; primitive contents are copied as-is.
func ber2der(ber []byte) ([]byte, error) {
	der, rest, err := convertElement(ber)
	if err != nil {
		return nil, err
	}

	if len(rest) > 0 {
		return nil, fmt.Errorf("ber: %d bytes of trailing data", len(rest))
	}

	return der, nil
}

func convertElement(b []byte) ([]byte, []byte, error) {
	if len(b) < 2 {
		return nil, nil, errTruncated
	}

	tagLen := 1
	if b[0]&0x1f == 0x1f {
		for {
			if tagLen >= len(b) {
				return nil, nil, errTruncated
			}
			c := b[tagLen]
			tagLen++
			if c&0x80 == 0 {
				break
			}
		}
	}
	if tagLen >= len(b) {
		return nil, nil, errTruncated
	}

	tag := b[:tagLen]
	constructed := b[0]&0x20 != 0
	lengthByte := b[tagLen]
	b = b[tagLen+1:]

	if lengthByte == 0x80 {
		if !constructed {
			return nil, nil, errors.New("ber: indefinite length on primitive element")
		}

		var children bytes.Buffer
		for {
			if len(b) < 2 {
				return nil, nil, errTruncated
			}
			if b[0] == 0 && b[1] == 0 {
				return encodeElement(tag, children.Bytes()), b[2:], nil
			}

			child, rest, err := convertElement(b)
			if err != nil {
				return nil, nil, err
			}
			children.Write(child)
			b = rest
		}
	}

	length := int(lengthByte)
	if lengthByte&0x80 != 0 {
		octets := int(lengthByte & 0x7f)
		if octets > 4 {
			return nil, nil, fmt.Errorf("ber: length of %d octets is too large", octets)
		}
		if octets > len(b) {
			return nil, nil, errTruncated
		}

		length = 0
		for _, c := range b[:octets] {
			length = length<<8 | int(c)
		}
		b = b[octets:]
	}

	if length > len(b) {
		return nil, nil, errTruncated
	}
	content, rest := b[:length], b[length:]

	if !constructed {
		return encodeElement(tag, content), rest, nil
	}

	var children bytes.Buffer
	for len(content) > 0 {
		child, remaining, err := convertElement(content)
		if err != nil {
			return nil, nil, err
		}
		children.Write(child)
		content = remaining
	}

	return encodeElement(tag, children.Bytes()), rest, nil
}

func encodeElement(tag []byte, content []byte) []byte {
	out := make([]byte, 0, len(tag)+5+len(content))
	out = append(out, tag...)
	out = append(out, encodeLength(len(content))...)
	return append(out, content...)
}

func encodeLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}

	var octets []byte
	for ; n > 0; n >>= 8 {
		octets = append([]byte{byte(n)}, octets...)
	}

	return append([]byte{0x80 | byte(len(octets))}, octets...)
}
