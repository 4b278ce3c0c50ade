// Package fingerprint computes the content hash used as the idempotency key
// for submissions.
//
// The normalized structure is
//
//	{"meta":{...},"observation_time":"2024-05-01T06:00:00+00:00",
//	 "records":[{"value":1.5,"variable_mapping_id":3}],"station_link_id":7}
//
// encoded with sorted keys, no insignificant whitespace, ASCII-only string
// escapes and shortest round-trip float formatting, then hashed with SHA-256.
// Observation times are UTC with microsecond precision. Strings and keys in
// meta are NFC-normalized before encoding.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"golang.org/x/text/unicode/norm"
)

// ErrUnsupportedValue is returned for values with no canonical form, such as NaN.
var ErrUnsupportedValue = errors.New("unsupported value")

// Input is the logical content of a submission that the hash covers.
// Anything else in the request is excluded.
type Input struct {
	StationLinkID   int64
	ObservationTime time.Time
	Records         []domain.RecordInput
	// Meta holds decoded JSON. Numbers should be json.Number so integer
	// literals keep their form; float64 and Go integers are also accepted.
	Meta map[string]any
}

// Compute returns the hex SHA-256 digest of the canonical encoding of in.
func Compute(in Input) (string, error) {
	blob, err := Canonical(in)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Canonical returns the canonical encoding of in.
func Canonical(in Input) ([]byte, error) {
	records := make([]domain.RecordInput, len(in.Records))
	copy(records, in.Records)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].VariableMappingID < records[j].VariableMappingID
	})

	var buf bytes.Buffer
	buf.WriteString(`{"meta":`)
	meta := in.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	if err := writeValue(&buf, meta); err != nil {
		return nil, fmt.Errorf("meta: %w", err)
	}

	buf.WriteString(`,"observation_time":`)
	writeString(&buf, FormatTime(in.ObservationTime))

	buf.WriteString(`,"records":[`)
	for i, r := range records {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"value":`)
		if err := writeFloat(&buf, r.Value); err != nil {
			return nil, fmt.Errorf("record %d: %w", r.VariableMappingID, err)
		}
		buf.WriteString(`,"variable_mapping_id":`)
		buf.WriteString(strconv.FormatInt(r.VariableMappingID, 10))
		buf.WriteByte('}')
	}
	buf.WriteString(`],"station_link_id":`)
	buf.WriteString(strconv.FormatInt(in.StationLinkID, 10))
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// FormatTime renders t in UTC as YYYY-MM-DDTHH:MM:SS[.ffffff]+00:00. The
// fraction appears only when the microsecond part is nonzero.
func FormatTime(t time.Time) string {
	t = t.UTC()
	s := t.Format("2006-01-02T15:04:05")
	if us := t.Nanosecond() / 1000; us != 0 {
		s += fmt.Sprintf(".%06d", us)
	}
	return s + "+00:00"
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch v := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, norm.NFC.String(v))
	case json.Number:
		return writeNumber(buf, v)
	case float64:
		return writeFloat(buf, v)
	case float32:
		return writeFloat(buf, float64(v))
	case int:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case map[string]any:
		return writeObject(buf, v)
	case []any:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, m map[string]any) error {
	normalized := make(map[string]any, len(m))
	keys := make([]string, 0, len(m))
	for k, v := range m {
		nk := norm.NFC.String(k)
		if _, dup := normalized[nk]; dup {
			return fmt.Errorf("%w: keys collide after normalization: %q", ErrUnsupportedValue, nk)
		}
		normalized[nk] = v
		keys = append(keys, nk)
	}
	// UTF-8 byte order equals code point order.
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		if err := writeValue(buf, normalized[k]); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeNumber keeps integer literals as integers and canonicalizes
// everything else as a float.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		digits := strings.TrimPrefix(s, "-")
		if strings.Trim(digits, "0") == "" {
			buf.WriteByte('0')
			return nil
		}
		buf.WriteString(s)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%w: number %q: %w", ErrUnsupportedValue, s, err)
	}
	return writeFloat(buf, f)
}

// writeFloat writes the shortest round-trip representation of f. Values
// with a decimal exponent in [-4, 16) use positional notation with at least
// one fractional digit. Others use d.ddde±XX.
func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %v", ErrUnsupportedValue, f)
	}

	sci := strconv.FormatFloat(f, 'e', -1, 64)
	if sci[0] == '-' {
		buf.WriteByte('-')
		sci = sci[1:]
	}
	mantissa, expPart, _ := strings.Cut(sci, "e")
	exp, _ := strconv.Atoi(expPart)
	digits := strings.Replace(mantissa, ".", "", 1)
	point := exp + 1

	switch {
	case point <= -4 || point > 16:
		buf.WriteByte(digits[0])
		if len(digits) > 1 {
			buf.WriteByte('.')
			buf.WriteString(digits[1:])
		}
		buf.WriteByte('e')
		if exp < 0 {
			buf.WriteByte('-')
			exp = -exp
		} else {
			buf.WriteByte('+')
		}
		fmt.Fprintf(buf, "%02d", exp)
	case point <= 0:
		buf.WriteString("0.")
		buf.WriteString(strings.Repeat("0", -point))
		buf.WriteString(digits)
	case point >= len(digits):
		buf.WriteString(digits)
		buf.WriteString(strings.Repeat("0", point-len(digits)))
		buf.WriteString(".0")
	default:
		buf.WriteString(digits[:point])
		buf.WriteByte('.')
		buf.WriteString(digits[point:])
	}
	return nil
}

const hexDigits = "0123456789abcdef"

// writeString quotes s using only printable ASCII. Other code points are
// written as \uXXXX escapes, astral ones as surrogate pairs.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				buf.WriteRune(r)
			case r > 0xffff:
				r -= 0x10000
				writeEscape(buf, 0xd800+(r>>10))
				writeEscape(buf, 0xdc00+(r&0x3ff))
			default:
				writeEscape(buf, r)
			}
		}
	}
	buf.WriteByte('"')
}

func writeEscape(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[r>>12&0xf])
	buf.WriteByte(hexDigits[r>>8&0xf])
	buf.WriteByte(hexDigits[r>>4&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}
