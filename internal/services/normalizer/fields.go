package normalizer

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// fields reads wire codes by exact key. Binance reuses letters in both cases
// ("c"/"C", "l"/"L", "t"/"T"), so a case-folding struct decode is not safe.
type fields struct {
	raw       map[string]json.RawMessage
	prefix    string
	malformed *[]string
}

func newFields(raw map[string]json.RawMessage, malformed *[]string) fields {
	return fields{raw: raw, malformed: malformed}
}

func (f fields) nested(raw map[string]json.RawMessage, prefix string) fields {
	return fields{raw: raw, prefix: prefix, malformed: f.malformed}
}

func (f fields) has(key string) bool {
	v, ok := f.raw[key]
	return ok && !isNull(v)
}

func (f fields) bad(key string) {
	*f.malformed = append(*f.malformed, f.prefix+key)
}

func (f fields) str(key string) string {
	v, ok := f.raw[key]
	if !ok || isNull(v) {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	// numbers and booleans are kept in their literal form
	return strings.TrimSpace(string(v))
}

func (f fields) int(key string) int64 {
	v, ok := f.raw[key]
	if !ok || isNull(v) {
		return 0
	}
	var n int64
	if err := json.Unmarshal(v, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return n
		}
	}
	f.bad(key)
	return 0
}

func (f fields) dec(key string) decimal.Decimal {
	if !f.has(key) {
		return decimal.Zero
	}
	d, ok := f.parseDec(key)
	if !ok {
		f.bad(key)
		return decimal.Zero
	}
	return d
}

// nullDec distinguishes an absent running total from zero. A malformed running
// total is reported and treated as absent so it cannot rewind the order.
func (f fields) nullDec(key string) decimal.NullDecimal {
	if !f.has(key) {
		return decimal.NullDecimal{}
	}
	d, ok := f.parseDec(key)
	if !ok {
		f.bad(key)
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func (f fields) parseDec(key string) (decimal.Decimal, bool) {
	v := f.raw[key]
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		s = string(v)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func (f fields) objects(key string) []map[string]json.RawMessage {
	v, ok := f.raw[key]
	if !ok || isNull(v) {
		return nil
	}
	var out []map[string]json.RawMessage
	if err := json.Unmarshal(v, &out); err != nil {
		f.bad(key)
		return nil
	}
	return out
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || string(v) == "null"
}
