package utils_test

import (
	"bytes"
	"errors"
	"strconv"
	"testing"

	"github.com/set-io/vtx/utils"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		name     string
		s        string
		unit     string
		expected int
		err      error
	}{
		{"Valid Gigabytes", "5G", "", 5 << 30, nil},
		{"Valid Megabytes", "10M", "", 10 << 20, nil},
		{"Valid Kilobytes", "20K", "", 20 << 10, nil},
		{"Valid Bytes", "1000", "", 1000, nil},
		{"Valid with unit parameter", "5", "G", 5 << 30, nil},
		{"Invalid empty string", "", "", -1, strconv.ErrSyntax},
		{"Invalid format", "5X", "", -1, strconv.ErrSyntax},
		{"Invalid number", "abc", "", -1, strconv.ErrSyntax},
		{"Case insensitive", "5g", "", 5 << 30, nil},
		{"Hex", "0x1000", "", 0x1000, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := utils.ParseSize(tt.s, tt.unit)
			if (err != nil) != (tt.err != nil) {
				t.Errorf("ParseSize() error = %v, wantErr %v", err, tt.err)
				return
			}
			if err != nil && !errors.Is(err, tt.err) {
				t.Errorf("ParseSize() error = %v, wantErr %v", err, tt.err)
				return
			}
			if got != tt.expected {
				t.Errorf("ParseSize() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	for n, want := range map[int]string{0: "0", 1 << 30: "1G", 3 << 20: "3M", 8 << 10: "8K", 1000: "1000"} {
		if got := utils.FormatSize(n); got != want {
			t.Errorf("FormatSize(%d) = %q, want %q", n, got, want)
		}
		if want == "0" {
			continue
		}
		back, err := utils.ParseSize(want, "")
		if err != nil || back != n {
			t.Errorf("ParseSize(%q) = %d, %v, want %d", want, back, err, n)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := utils.WriteJSON(&buf, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "{\n  \"a\": 1\n}\n"; got != want {
		t.Errorf("WriteJSON() = %q, want %q", got, want)
	}
}
