package cloud

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Cloud-Requests framing
//
// request fragment:  [-]<encoded payload>.<request id>
//     a leading `-` marks a non final fragment
// response fragment: <encoded chunk>.<request id><tag>
//     tag is <index>1 for non final fragments, index zero padded to two digits,
//     or a terminator for the final fragment

var ErrMalformedRequest = errors.New("Malformed request fragment.")
var ErrDuplicateRequest = errors.New("Duplicate request.")

const TerminatorString = "2222"

// the payload is a raw integer, not encoded text
const TerminatorInteger = "3222"

const moreFollows = "1"

const ArgumentSeparator = "&"

type RequestFragment struct {
	Continues bool
	Payload   string
	RequestId string
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i += 1 {
		if s[i] < '0' || '9' < s[i] {
			return false
		}
	}
	return true
}

func ParseRequestFragment(value string) (*RequestFragment, error) {
	fragment := &RequestFragment{}
	if strings.HasPrefix(value, "-") {
		fragment.Continues = true
		value = value[1:]
	}
	i := strings.LastIndex(value, ".")
	if i < 0 {
		return nil, fmt.Errorf("%w Missing request id in \"%s\".", ErrMalformedRequest, value)
	}
	fragment.Payload = value[:i]
	fragment.RequestId = value[i+1:]
	if fragment.RequestId == "" || !isDigits(fragment.RequestId) {
		return nil, fmt.Errorf("%w Bad request id \"%s\".", ErrMalformedRequest, fragment.RequestId)
	}
	if !isDigits(fragment.Payload) {
		return nil, fmt.Errorf("%w Bad payload \"%s\".", ErrMalformedRequest, fragment.Payload)
	}
	return fragment, nil
}

func (self *RequestFragment) String() string {
	prefix := ""
	if self.Continues {
		prefix = "-"
	}
	return fmt.Sprintf("%s%s.%s", prefix, self.Payload, self.RequestId)
}

// FrameRequest splits an encoded payload into request fragments.
// This is the peer side of the protocol.
func FrameRequest(payload string, requestId string, packetLength int) []string {
	chunks := chunk(payload, packetLength)
	values := make([]string, len(chunks))
	for i, c := range chunks {
		fragment := &RequestFragment{
			Continues: i+1 < len(chunks),
			Payload:   c,
			RequestId: requestId,
		}
		values[i] = fragment.String()
	}
	return values
}

// ParseRequest splits a decoded request into the handler name and arguments.
func ParseRequest(decoded string) (string, []string) {
	parts := strings.Split(decoded, ArgumentSeparator)
	return parts[0], parts[1:]
}

func FormatRequest(name string, args ...string) string {
	return strings.Join(append([]string{name}, args...), ArgumentSeparator)
}

// EncodeResponse encodes a handler output and chooses the terminator.
// Integers are sent raw when the peer selects it with a request id ending in `0`.
func EncodeResponse(output any, requestId string) (string, string) {
	switch v := output.(type) {
	case nil:
		return "", TerminatorString
	case string:
		return Encode(v), TerminatorString
	case []string:
		return EncodeList(v), TerminatorString
	case []any:
		items := make([]string, len(v))
		for i, item := range v {
			items[i] = CloudValueString(item)
		}
		return EncodeList(items), TerminatorString
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		s := CloudValueString(v)
		if strings.HasSuffix(requestId, "0") {
			return s, TerminatorInteger
		}
		return Encode(s), TerminatorString
	default:
		return Encode(CloudValueString(v)), TerminatorString
	}
}

// ResponseLength is the length of a reply in characters as the peer sees it.
// Raw integer replies are one digit per character, encoded text is two.
func ResponseLength(payload string, terminator string) int {
	if terminator == TerminatorInteger {
		return len(payload)
	}
	return len(payload) / 2
}

// FrameResponse splits an encoded response into response fragment values, in order.
func FrameResponse(payload string, requestId string, terminator string, packetLength int) []string {
	chunks := chunk(payload, packetLength)
	values := make([]string, len(chunks))
	for i, c := range chunks {
		if i+1 < len(chunks) {
			values[i] = fmt.Sprintf("%s.%s%02d%s", c, requestId, i+1, moreFollows)
		} else {
			values[i] = fmt.Sprintf("%s.%s%s", c, requestId, terminator)
		}
	}
	return values
}

// always returns at least one chunk
func chunk(payload string, packetLength int) []string {
	if packetLength <= 0 || len(payload) <= packetLength {
		return []string{payload}
	}
	chunks := []string{}
	for i := 0; i < len(payload); i += packetLength {
		chunks = append(chunks, payload[i:min(i+packetLength, len(payload))])
	}
	return chunks
}

// ParseResponseFragment is the peer side inverse of `FrameResponse`.
// `requestId` is needed since the tag is appended to the id without a separator.
func ParseResponseFragment(value string, requestId string) (chunk string, index int, final bool, terminator string, err error) {
	i := strings.LastIndex(value, ".")
	if i < 0 {
		err = fmt.Errorf("%w Missing separator.", ErrMalformedRequest)
		return
	}
	chunk = value[:i]
	tail := value[i+1:]
	if !strings.HasPrefix(tail, requestId) {
		err = fmt.Errorf("%w Request id mismatch.", ErrMalformedRequest)
		return
	}
	tag := tail[len(requestId):]
	switch tag {
	case TerminatorString, TerminatorInteger:
		final = true
		terminator = tag
		return
	}
	if len(tag) < 3 || !strings.HasSuffix(tag, moreFollows) {
		err = fmt.Errorf("%w Bad tag \"%s\".", ErrMalformedRequest, tag)
		return
	}
	index, err = strconv.Atoi(tag[:len(tag)-1])
	if err != nil {
		err = fmt.Errorf("%w Bad index \"%s\".", ErrMalformedRequest, tag)
	}
	return
}
