package models

import (
	"strings"
)

// ValidTaxNumber accepts a 10-digit VKN (corporate tax number) or an
// 11-digit TCKN (personal identity number) with its checksum digits.
func ValidTaxNumber(value string) bool {
	value = strings.TrimSpace(value)
	switch len(value) {
	case 10:
		return validVKN(value)
	case 11:
		return validTCKN(value)
	default:
		return false
	}
}

func digits(value string) ([]int, bool) {
	out := make([]int, 0, len(value))
	for _, r := range value {
		if r < '0' || r > '9' {
			return nil, false
		}
		out = append(out, int(r-'0'))
	}
	return out, true
}

func validVKN(value string) bool {
	d, ok := digits(value)
	if !ok {
		return false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		tmp := (d[i] + 10 - (i + 1)) % 10
		var pow int
		switch tmp {
		case 9:
			pow = 9
		default:
			p := 1
			for j := 0; j < 9-i; j++ {
				p = (p * 2) % 9
			}
			pow = (tmp * p) % 9
			if pow == 0 && tmp != 0 {
				pow = 9
			}
		}
		sum += pow
	}
	check := (10 - sum%10) % 10
	return check == d[9]
}

func validTCKN(value string) bool {
	d, ok := digits(value)
	if !ok {
		return false
	}
	if d[0] == 0 {
		return false
	}
	odd := d[0] + d[2] + d[4] + d[6] + d[8]
	even := d[1] + d[3] + d[5] + d[7]
	tenth := ((odd * 7) - even) % 10
	if tenth < 0 {
		tenth += 10
	}
	if tenth != d[9] {
		return false
	}
	sum := 0
	for i := 0; i < 10; i++ {
		sum += d[i]
	}
	return sum%10 == d[10]
}

// MaskTaxNumber keeps the first two and last two digits visible.
func MaskTaxNumber(value string) string {
	value = strings.TrimSpace(value)
	if len(value) < 5 {
		return strings.Repeat("*", len(value))
	}
	return value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
}

// ValidPeriod checks a YYYY-MM tax period key.
func ValidPeriod(period string) bool {
	if len(period) != 7 || period[4] != '-' {
		return false
	}
	year, ok := digits(period[:4])
	if !ok {
		return false
	}
	month, ok := digits(period[5:])
	if !ok {
		return false
	}
	m := month[0]*10 + month[1]
	y := year[0]*1000 + year[1]*100 + year[2]*10 + year[3]
	return y >= 2000 && m >= 1 && m <= 12
}
