package macaddr

import (
	"errors"
	"testing"
)

func TestParseNormalizesSeparatorsAndCase(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "colon lower", input: "aa:bb:cc:dd:ee:ff", want: "AA:BB:CC:DD:EE:FF"},
		{name: "dash", input: "AA-BB-CC-DD-EE-FF", want: "AA:BB:CC:DD:EE:FF"},
		{name: "cisco dotted", input: "aabb.ccdd.eeff", want: "AA:BB:CC:DD:EE:FF"},
		{name: "bare", input: "001a2B3c4D5e", want: "00:1A:2B:3C:4D:5E"},
		{name: "padded", input: "  00:11:22:33:44:55 ", want: "00:11:22:33:44:55"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			address, err := Parse(testCase.input)
			if err != nil {
				test.Fatalf("parse %q: %v", testCase.input, err)
			}
			if address.String() != testCase.want {
				test.Fatalf("expected %q, got %q", testCase.want, address.String())
			}
		})
	}
}

func TestParseRejectsInvalidInput(test *testing.T) {
	test.Parallel()
	for _, input := range []string{"", "AA:BB:CC:DD:EE", "AA:BB:CC:DD:EE:FF:00", "GG:BB:CC:DD:EE:FF", "AA_BB_CC_DD_EE_FF", "unknown"} {
		input := input
		test.Run(input, func(test *testing.T) {
			test.Parallel()
			_, err := Parse(input)
			if !errors.Is(err, ErrInvalid) {
				test.Fatalf("expected ErrInvalid for %q, got %v", input, err)
			}
			if Normalize(input) != "" {
				test.Fatalf("expected empty normalization for %q", input)
			}
		})
	}
}

func TestNormalizeIsIdempotent(test *testing.T) {
	test.Parallel()
	for _, input := range []string{"aa:bb:cc:dd:ee:ff", "0011.2233.4455", "a1-b2-c3-d4-e5-f6", "ABCDEF012345"} {
		once := Normalize(input)
		if once == "" {
			test.Fatalf("expected %q to normalize", input)
		}
		if twice := Normalize(once); twice != once {
			test.Fatalf("normalize not idempotent for %q: %q then %q", input, once, twice)
		}
	}
}

func TestZeroAddress(test *testing.T) {
	test.Parallel()
	var address Address
	if !address.IsZero() {
		test.Fatalf("expected zero address")
	}
	if MustParse("AABBCCDDEEFF").IsZero() {
		test.Fatalf("expected parsed address to be non-zero")
	}
}
