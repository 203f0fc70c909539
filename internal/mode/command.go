package mode

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Sentinel values reserved in the command encoding space.
const (
	AckValue  = 4
	PingValue = 5
)

// AckPayload is the literal acknowledgement payload.
var AckPayload = []byte(strconv.Itoa(AckValue))

var (
	ErrMalformedCommand = errors.New("mode: malformed command payload")
	ErrUnknownMode      = errors.New("mode: unknown mode value")
)

// Kind classifies a decoded command.
type Kind int

const (
	KindSetMode Kind = iota
	KindAck
	KindPing
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindPing:
		return "ping"
	default:
		return "set_mode"
	}
}

// Command is a decoded inbound message.
type Command struct {
	Kind Kind
	Mode Mode // only meaningful for KindSetMode
	Raw  int32
}

// ParseCommand decodes a command payload.
//
// In permissive mode the payload is read the way the deployed controllers expect:
// leading whitespace and an optional sign are skipped, the longest decimal prefix is
// used and a payload without digits decodes to 0 (car). Any non-sentinel value is a
// mode, even one outside the defined set.
//
// In strict mode the trimmed payload must be a base-10 integer and non-sentinel values
// must be defined modes.
func ParseCommand(payload []byte, strict bool) (Command, error) {
	var value int32
	if strict {
		v, err := strconv.ParseInt(strings.TrimSpace(string(payload)), 10, 32)
		if err != nil {
			return Command{}, fmt.Errorf("%w: %q", ErrMalformedCommand, payload)
		}
		value = int32(v)
	} else {
		value = parseLeadingInt(payload)
	}

	switch value {
	case AckValue:
		return Command{Kind: KindAck, Raw: value}, nil
	case PingValue:
		return Command{Kind: KindPing, Raw: value}, nil
	}

	m := Mode(value)
	if strict && !Valid(m) {
		return Command{}, fmt.Errorf("%w: %d", ErrUnknownMode, value)
	}
	return Command{Kind: KindSetMode, Mode: m, Raw: value}, nil
}

// parseLeadingInt mirrors strtol(s, NULL, 10) clamped to the int32 range.
func parseLeadingInt(b []byte) int32 {
	i := 0
	for i < len(b) && isSpace(b[i]) {
		i++
	}
	negative := false
	if i < len(b) && (b[i] == '+' || b[i] == '-') {
		negative = b[i] == '-'
		i++
	}

	var acc int64
	for ; i < len(b) && b[i] >= '0' && b[i] <= '9'; i++ {
		acc = acc*10 + int64(b[i]-'0')
		if acc > math.MaxInt32+1 {
			acc = math.MaxInt32 + 1
		}
	}
	if negative {
		acc = -acc
	}
	if acc > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(acc)
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
