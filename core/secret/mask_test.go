package secret

import "testing"

func TestMask(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "***"},
		{"abcdef", "a****f"},
		{"ACa1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4", "ACa******************************4"},
	}
	for _, tc := range cases {
		if got := Mask(tc.in); got != tc.want {
			t.Errorf("Mask(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}
