package contact

import "strings"

const (
	DefaultCountryCode = "55"
	// DefaultSuffix is the chat-id suffix used by the messaging bridge for personal chats.
	DefaultSuffix = "@c.us"
)

// CandidateOptions controls how gateway addresses are built from a raw phone number.
type CandidateOptions struct {
	CountryCode string
	Suffix      string
}

func (o CandidateOptions) withDefaults() CandidateOptions {
	if strings.TrimSpace(o.CountryCode) == "" {
		o.CountryCode = DefaultCountryCode
	}
	return o
}

// Candidates turns a free-form phone number into the ordered list of gateway
// addresses worth trying: the mobile form with the extra leading 9 first, then
// the legacy 8-digit form. Duplicates are removed. An unrecognizable number
// yields nil.
//
// The function is pure; the same input always yields the same list.
func Candidates(raw string, opt CandidateOptions) []string {
	opt = opt.withDefaults()

	digits := onlyDigits(raw)
	// National numbers are 10 or 11 digits; anything longer carries the country code.
	if len(digits) > 11 && strings.HasPrefix(digits, opt.CountryCode) {
		digits = digits[len(opt.CountryCode):]
	}
	digits = strings.TrimPrefix(digits, "0")
	if len(digits) < 10 || len(digits) > 11 {
		return nil
	}

	area, base := digits[:2], digits[2:]
	with9 := base
	if len(base) == 8 {
		with9 = "9" + base
	}
	without9 := base
	if len(base) == 9 {
		without9 = base[1:]
	}

	out := make([]string, 0, 2)
	for _, local := range []string{with9, without9} {
		addr := opt.CountryCode + area + local + opt.Suffix
		if len(out) > 0 && out[0] == addr {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
