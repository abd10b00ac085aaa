package ia32

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSegmentFromGDT(t *testing.T) {
	table := make([]byte, 8*8)
	PutEntry(table, 1, GDTEntry(0xA09B, 0, 0xFFFFF))
	PutEntry(table, 2, GDTEntry(0xC093, 0, 0xFFFFF))
	lo, hi := SystemEntry(0x0089, 0xFFFF_8000_1234_5000, 0x67)
	PutEntry(table, 4, lo)
	PutEntry(table, 5, hi)

	tests := []struct {
		name string
		sel  Selector
		want Segment
	}{
		{
			name: "long mode code",
			sel:  NewSelector(1, false, 0),
			want: Segment{Selector: 0x08, Limit: 0xFFFFFFFF, Access: 0xA09B},
		},
		{
			name: "flat data",
			sel:  NewSelector(2, false, 0),
			want: Segment{Selector: 0x10, Limit: 0xFFFFFFFF, Access: 0xC093},
		},
		{
			name: "tss with 64-bit base",
			sel:  NewSelector(4, false, 0),
			want: Segment{Selector: 0x20, Base: 0xFFFF_8000_1234_5000, Limit: 0x67, Access: 0x89},
		},
		{
			name: "null",
			sel:  0,
			want: Segment{Access: AccessUnusable},
		},
		{
			name: "not present",
			sel:  NewSelector(3, false, 0),
			want: Segment{Selector: 0x18, Access: AccessUnusable},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SegmentFromGDT(table, tt.sel)
			if err != nil {
				t.Fatalf("SegmentFromGDT() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("SegmentFromGDT() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSegmentFromGDTOutOfRange(t *testing.T) {
	table := make([]byte, 16)
	if _, err := SegmentFromGDT(table, NewSelector(5, false, 0)); !errors.Is(err, ErrBadSelector) {
		t.Errorf("SegmentFromGDT() error = %v, want %v", err, ErrBadSelector)
	}
}

func TestSelector(t *testing.T) {
	s := NewSelector(6, true, 3)
	if s.Index() != 6 || !s.LDT() || s.RPL() != 3 {
		t.Errorf("selector %#x decoded as index=%d ldt=%v rpl=%d", uint16(s), s.Index(), s.LDT(), s.RPL())
	}
	if NewSelector(0, false, 3).Null() != true {
		t.Errorf("selector with index 0 should be null")
	}
}

func TestMarkBusy(t *testing.T) {
	table := make([]byte, 32)
	lo, hi := SystemEntry(0x0089, 0x1_0000_1000, 0x67)
	PutEntry(table, 1, lo)
	PutEntry(table, 2, hi)
	MarkBusy(table, NewSelector(1, false, 0))
	seg, err := SegmentFromGDT(table, NewSelector(1, false, 0))
	if err != nil {
		t.Fatal(err)
	}
	if seg.Access.Type() != TypeTSSBusy {
		t.Errorf("type = %#x, want %#x", seg.Access.Type(), TypeTSSBusy)
	}
	if seg.Base != 0x1_0000_1000 || seg.Limit != 0x67 {
		t.Errorf("base, limit = %#x, %#x, want 0x100001000, 0x67", seg.Base, seg.Limit)
	}
	if _, err := SegmentFromGDT(table[:16], NewSelector(1, false, 0)); !errors.Is(err, ErrBadSelector) {
		t.Errorf("truncated system descriptor error = %v, want %v", err, ErrBadSelector)
	}
}
