package ipcidr

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseCIDRRoundTrip(t *testing.T) {
	tests := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"10.0.0.1/32",
		"0.0.0.0/0",
	}
	for _, s := range tests {
		c, err := ParseCIDR(s)
		if err != nil {
			t.Fatalf("ParseCIDR(%q): %s", s, err)
		}
		if got := c.String(); got != s {
			t.Errorf("ParseCIDR(%q).String() = %q, want %q", s, got, s)
		}
	}
}

func TestFromRangeCoversWholeRange(t *testing.T) {
	tests := []struct {
		start, end uint64
	}{
		{0, 0},
		{0, 255},
		{10, 20},
		{uint64(MustParseCIDR("10.0.0.0/8").start), uint64(MustParseCIDR("10.0.0.0/8").start) + MustParseCIDR("10.0.0.0/8").Addresses() - 1},
		{1, 4294967294},
	}
	for _, tt := range tests {
		blocks := FromRange(tt.start, tt.end)
		if len(blocks) > 32 {
			t.Errorf("FromRange(%d, %d) emitted %d blocks, want <= 32", tt.start, tt.end, len(blocks))
		}
		var covered uint64
		prevEnd := int64(-1)
		for _, b := range blocks {
			bStart, bEnd := b.Range()
			if int64(bStart) <= prevEnd {
				t.Errorf("FromRange(%d, %d): block %s overlaps previous block", tt.start, tt.end, b)
			}
			// alignment check
			if b.start != 0 && uint64(b.start)%b.Addresses() != 0 {
				t.Errorf("FromRange(%d, %d): block %s is not prefix-aligned", tt.start, tt.end, b)
			}
			covered += b.Addresses()
			prevEnd = int64(bEnd)
		}
		if want := tt.end - tt.start + 1; covered != want {
			t.Errorf("FromRange(%d, %d) covers %d addresses, want %d", tt.start, tt.end, covered, want)
		}
	}
}

func TestContainsIsOverlapTest(t *testing.T) {
	a := MustParseCIDR("10.0.0.0/24")
	b := MustParseCIDR("10.0.0.128/25")
	c := MustParseCIDR("192.168.0.0/24")
	if !Contains(a, b) {
		t.Error("Contains(a, b) = false, want true (b is inside a)")
	}
	if !Contains(b, a) {
		t.Error("Contains(b, a) = false, want true (ranges overlap, naming notwithstanding)")
	}
	if Contains(a, c) {
		t.Error("Contains(a, c) = true, want false (disjoint)")
	}
}

func TestLeftMinusRightIdenticalAndContained(t *testing.T) {
	a := MustParseCIDR("10.0.0.0/24")
	if got := LeftMinusRight(a, a); len(got) != 0 {
		t.Errorf("LeftMinusRight(a, a) = %v, want empty", got)
	}
	inner := MustParseCIDR("10.0.0.0/25")
	if got := LeftMinusRight(inner, a); len(got) != 0 {
		t.Errorf("LeftMinusRight(inner, outer) = %v, want empty (inner fully contained)", got)
	}
	got := RightMinusLeft(inner, a)
	var total uint64
	for _, c := range got {
		total += c.Addresses()
	}
	if want := a.Addresses() - inner.Addresses(); total != want {
		t.Errorf("RightMinusLeft(inner, outer) covers %d addresses, want %d", total, want)
	}
}

func TestLeftMinusRightPartialOverlap(t *testing.T) {
	a := New(FromOctets(10, 0, 0, 0), 23)  // 10.0.0.0 - 10.0.1.255
	b := New(FromOctets(10, 0, 1, 0), 24)  // 10.0.1.0 - 10.0.1.255
	got := LeftMinusRight(a, b)
	want := []CIDR{New(FromOctets(10, 0, 0, 0), 24)}
	if !cmp.Equal(got, want) {
		t.Errorf("LeftMinusRight(a, b) = %v, want %v", got, want)
	}
}
