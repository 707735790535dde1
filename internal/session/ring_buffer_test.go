package session

import (
	"fmt"
	"testing"
)

func fill(rb *RingBuffer[string], n int) {
	for i := 0; i < n; i++ {
		rb.Write(fmt.Sprintf("line-%d", i))
	}
}

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := NewRingBuffer[string](10)
	if got := rb.ReadAll(); len(got) != 0 {
		t.Errorf("expected empty buffer, got %d items", len(got))
	}
	if rb.Len() != 0 {
		t.Errorf("expected len 0, got %d", rb.Len())
	}
}

func TestRingBuffer_Wraparound(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		writes   int
		first    int
	}{
		{"partial fill", 10, 5, 0},
		{"exact capacity", 3, 3, 0},
		{"overflow", 5, 8, 3},
		{"overflow twice", 4, 11, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := NewRingBuffer[string](tt.capacity)
			fill(rb, tt.writes)

			got := rb.ReadAll()
			want := min(tt.writes, tt.capacity)
			if len(got) != want || rb.Len() != want {
				t.Fatalf("expected %d items, got %d (len %d)", want, len(got), rb.Len())
			}
			for i, v := range got {
				expected := fmt.Sprintf("line-%d", tt.first+i)
				if v != expected {
					t.Errorf("item %d: expected %s, got %s", i, expected, v)
				}
			}
		})
	}
}

func TestRingBuffer_MinimumCapacity(t *testing.T) {
	rb := NewRingBuffer[int](0)
	rb.Write(1)
	rb.Write(2)
	got := rb.ReadAll()
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected [2], got %v", got)
	}
}
