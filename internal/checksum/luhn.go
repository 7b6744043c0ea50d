package checksum

// Luhn reports whether the digits in s pass the Luhn (mod 10) check.
// Non-digit characters are ignored. Strings without digits are invalid.
func Luhn(s string) bool {
	sum := 0
	double := false
	seen := 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		seen++
	}
	return seen > 0 && sum%10 == 0
}

// Digits returns only the ASCII digits of s.
func Digits(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// CardNumber reports whether s looks like a payment card number: 13 to 19
// digits once separators are stripped, passing Luhn.
func CardNumber(s string) bool {
	d := Digits(s)
	if len(d) < 13 || len(d) > 19 {
		return false
	}
	return Luhn(d)
}
