package models

import "testing"

func TestValidTaxNumberVKN(t *testing.T) {
	// valid 10-digit corporate numbers with correct check digits
	for _, v := range []string{"1234567890", "0000000001", " 1234567890 "} {
		if !ValidTaxNumber(v) {
			t.Errorf("VKN %q should be valid", v)
		}
	}
	for _, v := range []string{"9999999999", "1234567891", "123456789a"} {
		if ValidTaxNumber(v) {
			t.Errorf("VKN %q should be invalid", v)
		}
	}
}

func TestValidTaxNumberTCKN(t *testing.T) {
	// 10000000146 is the canonical test TCKN
	if !ValidTaxNumber("10000000146") {
		t.Error("TCKN 10000000146 should be valid")
	}
	for _, v := range []string{
		"10000000147", // bad checksum
		"00000000146", // leading zero
		"1000000014a",
	} {
		if ValidTaxNumber(v) {
			t.Errorf("TCKN %q should be invalid", v)
		}
	}
}

func TestValidTaxNumberLength(t *testing.T) {
	for _, v := range []string{"", "123", "123456789", "123456789012"} {
		if ValidTaxNumber(v) {
			t.Errorf("%q should be rejected by length", v)
		}
	}
}

func TestMaskTaxNumber(t *testing.T) {
	cases := map[string]string{
		"1234567890":   "12******90",
		"10000000146":  "10*******46",
		"1234":         "****",
		"":             "",
		" 1234567890 ": "12******90",
	}
	for in, want := range cases {
		if got := MaskTaxNumber(in); got != want {
			t.Errorf("MaskTaxNumber(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidPeriod(t *testing.T) {
	for _, p := range []string{"2026-01", "2026-12", "2000-06"} {
		if !ValidPeriod(p) {
			t.Errorf("%q should be a valid period", p)
		}
	}
	for _, p := range []string{"2026-00", "2026-13", "1999-05", "2026/03", "2026-3", "202603", "abcd-ef", ""} {
		if ValidPeriod(p) {
			t.Errorf("%q should be an invalid period", p)
		}
	}
}
