package fix

import (
	"bytes"
	"fmt"
	"strconv"
)

type field struct {
	tag   int
	value string
}

// Message is a decoded text FIX message. Lookups are last-write-wins on
// duplicated tags; the original field order is kept for audit and for
// re-serialisation.
type Message struct {
	fields map[int]string
	order  []field
	raw    []byte
}

// Parse decodes a text FIX message. A single trailing SOH is tolerated.
func Parse(data []byte) (*Message, error) {
	m := &Message{
		fields: make(map[int]string),
		raw:    append([]byte(nil), data...),
	}

	pos := 0
	end := len(data)
	for pos < end {
		eq := bytes.IndexByte(data[pos:], '=')
		if eq < 0 {
			return nil, fmt.Errorf("%w: %q has no value", ErrMalformedField, data[pos:])
		}
		eq += pos

		tag, err := parseTag(data[pos:eq])
		if err != nil {
			return nil, err
		}

		soh := bytes.IndexByte(data[eq+1:], SOH)
		if soh < 0 {
			if eq+1 == end {
				return nil, fmt.Errorf("%w: tag %d has no value", ErrTruncated, tag)
			}
			soh = end
		} else {
			soh += eq + 1
		}

		value := string(data[eq+1 : soh])
		m.fields[tag] = value
		m.order = append(m.order, field{tag: tag, value: value})

		pos = soh + 1
	}
	return m, nil
}

func parseTag(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty tag", ErrMalformedField)
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: tag %q is not a non-negative integer", ErrMalformedField, b)
		}
	}
	tag, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, fmt.Errorf("%w: tag %q: %v", ErrMalformedField, b, err)
	}
	return tag, nil
}

// Field returns the value of tag, and whether it was present.
func (m *Message) Field(tag int) (string, bool) {
	v, ok := m.fields[tag]
	return v, ok
}

// Get returns the value of tag or an empty string when the tag was never set.
func (m *Message) Get(tag int) string {
	return m.fields[tag]
}

// Has reports whether tag was present.
func (m *Message) Has(tag int) bool {
	_, ok := m.fields[tag]
	return ok
}

// MsgType returns the first byte of tag 35, or zero when absent.
func (m *Message) MsgType() byte {
	v := m.fields[TagMsgType]
	if v == "" {
		return 0
	}
	return v[0]
}

// Tags returns the tags in the order they appeared on the wire, including
// duplicates.
func (m *Message) Tags() []int {
	tags := make([]int, len(m.order))
	for i, f := range m.order {
		tags[i] = f.tag
	}
	return tags
}

// Len returns the number of fields on the wire.
func (m *Message) Len() int { return len(m.order) }

// Bytes re-serialises the message in its original field order.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	for i, f := range m.order {
		if i > 0 {
			buf.WriteByte(SOH)
		}
		buf.WriteString(strconv.Itoa(f.tag))
		buf.WriteByte('=')
		buf.WriteString(f.value)
	}
	return buf.Bytes()
}

// Raw returns the bytes the message was decoded from.
func (m *Message) Raw() []byte { return m.raw }

// Validate checks BodyLength and CheckSum against the received bytes.
func (m *Message) Validate() error {
	raw := m.raw
	if n := len(raw); n > 0 && raw[n-1] == SOH {
		raw = raw[:n-1]
	}

	csStart := bytes.LastIndex(raw, []byte{SOH, '1', '0', '='})
	if csStart < 0 {
		return fmt.Errorf("%w: tag %d", ErrMissingField, TagCheckSum)
	}
	csStart++ // start of "10="

	want, ok := m.Field(TagCheckSum)
	if !ok {
		return fmt.Errorf("%w: tag %d", ErrMissingField, TagCheckSum)
	}
	if got := FormatChecksum(Checksum(raw[:csStart])); got != want {
		return fmt.Errorf("%w: computed %s, message carries %s", ErrBadChecksum, got, want)
	}

	blStart := bytes.Index(raw, []byte{SOH, '9', '='})
	if blStart < 0 {
		return fmt.Errorf("%w: tag %d", ErrMissingField, TagBodyLength)
	}
	blEnd := bytes.IndexByte(raw[blStart+1:], SOH)
	if blEnd < 0 {
		return fmt.Errorf("%w: tag %d", ErrTruncated, TagBodyLength)
	}
	bodyStart := blStart + 1 + blEnd + 1

	declared, err := strconv.Atoi(m.Get(TagBodyLength))
	if err != nil {
		return fmt.Errorf("%w: body length %q", ErrMalformedField, m.Get(TagBodyLength))
	}
	if actual := csStart - bodyStart; actual != declared {
		return fmt.Errorf("%w: declared %d, actual %d", ErrBadBodyLength, declared, actual)
	}
	return nil
}

// Checksum returns the sum of all bytes modulo 256.
func Checksum(b []byte) int {
	sum := 0
	for _, c := range b {
		sum += int(c)
	}
	return sum % 256
}

// FormatChecksum renders a checksum as exactly three decimal digits.
func FormatChecksum(sum int) string {
	return fmt.Sprintf("%03d", sum%256)
}
