package bitfield

import "testing"

type testFlags struct {
	A bool   `bitfield:",1"`
	B bool   `bitfield:",1"`
	C uint32 `bitfield:",4"`
}

func TestPackUnpackRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		flags    testFlags
		expected uint64
	}{
		{
			name:     "all zero",
			flags:    testFlags{},
			expected: 0,
		},
		{
			name:     "only A",
			flags:    testFlags{A: true},
			expected: 0x1,
		},
		{
			name:     "only B",
			flags:    testFlags{B: true},
			expected: 0x2,
		},
		{
			name:     "A and C",
			flags:    testFlags{A: true, C: 0xB},
			expected: 0x1 | (0xB << 2),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed, err := Pack(tt.flags, &Config{NumBits: 6})
			if err != nil {
				t.Fatalf("Pack: %v", err)
			}
			if packed != tt.expected {
				t.Fatalf("Pack: got 0x%x, want 0x%x", packed, tt.expected)
			}

			var out testFlags
			if err := Unpack(packed, &out, &Config{NumBits: 6}); err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			if out != tt.flags {
				t.Fatalf("Unpack: got %+v, want %+v", out, tt.flags)
			}
		})
	}
}

func TestPackOverflow(t *testing.T) {
	_, err := Pack(testFlags{C: 0x3F}, &Config{NumBits: 6})
	if err == nil {
		t.Fatal("expected error packing a value that overflows its bit width")
	}
}

func TestPackRejectsNonStruct(t *testing.T) {
	if _, err := Pack(42, nil); err == nil {
		t.Fatal("expected error packing a non-struct")
	}
}
