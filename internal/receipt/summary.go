package receipt

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Summary aggregates a receipt list for display
type Summary struct {
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
	// Unparsed counts receipts whose total is not a plain number
	Unparsed int `json:"unparsed"`
}

// Summarize sums the totals of records. Totals are free text, so currency symbols and
// thousands separators are stripped before parsing; anything still unparseable is
// counted in Unparsed and left out of the sum.
func Summarize(records []*Record) Summary {
	s := Summary{Total: decimal.Zero}
	for _, r := range records {
		s.Count++
		amount, ok := parseAmount(r.Total)
		if !ok {
			s.Unparsed++
			continue
		}
		s.Total = s.Total.Add(amount)
	}
	return s
}

func parseAmount(text string) (decimal.Decimal, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			return r
		default:
			return -1
		}
	}, text)
	cleaned, ok := normalizeSeparators(cleaned)
	if !ok || cleaned == "" {
		return decimal.Zero, false
	}
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	return amount, true
}

// normalizeSeparators resolves commas. A final comma followed by exactly two digits is
// a decimal comma ("12,50", "1.234,50"); commas followed by three digits group
// thousands ("1,000.25"). Any other comma is ambiguous.
func normalizeSeparators(s string) (string, bool) {
	i := strings.LastIndexByte(s, ',')
	if i < 0 {
		return s, true
	}
	head, tail := s[:i], s[i+1:]
	if len(tail) == 2 && !strings.Contains(tail, ".") {
		head = strings.NewReplacer(".", "", ",", "").Replace(head)
		return head + "." + tail, true
	}
	for _, group := range strings.Split(s, ",")[1:] {
		digits, _, _ := strings.Cut(group, ".")
		if len(digits) != 3 {
			return "", false
		}
	}
	return strings.ReplaceAll(s, ",", ""), true
}
