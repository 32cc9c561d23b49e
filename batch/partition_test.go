package batch

import (
	"errors"
	"slices"
	"testing"
)

// TestPartitionSizes verifies chunk counts and sizes at the interesting boundaries
func TestPartitionSizes(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		size  int
		sizes []int
	}{
		{"smaller than one chunk", 7, 500, []int{7}},
		{"exact multiple", 1000, 500, []int{500, 500}},
		{"remainder", 1001, 500, []int{500, 500, 1}},
		{"size one", 3, 1, []int{1, 1, 1}},
		{"empty", 0, 10, []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Partition(make([]int, tt.n), tt.size)
			if err != nil {
				t.Fatalf("Partition() failed: %v", err)
			}
			got := make([]int, len(chunks))
			for i, c := range chunks {
				got[i] = len(c)
			}
			if !slices.Equal(got, tt.sizes) {
				t.Errorf("expected chunk sizes %v, got %v", tt.sizes, got)
			}
		})
	}
}

// TestPartitionLossless verifies that concatenating the chunks gives back the input
func TestPartitionLossless(t *testing.T) {
	items := make([]int, 37)
	for i := range items {
		items[i] = i
	}

	for k := 1; k <= len(items)+1; k++ {
		chunks, err := Partition(items, k)
		if err != nil {
			t.Fatalf("Partition(k=%d) failed: %v", k, err)
		}
		if got := slices.Concat(chunks...); !slices.Equal(got, items) {
			t.Errorf("k=%d: concat(partition) = %v, want %v", k, got, items)
		}
	}
}

// TestPartitionChunksDoNotOverlap verifies that appending to one chunk leaves the next intact
func TestPartitionChunksDoNotOverlap(t *testing.T) {
	chunks, err := Partition([]int{1, 2, 3, 4}, 2)
	if err != nil {
		t.Fatalf("Partition() failed: %v", err)
	}
	_ = append(chunks[0], 99)
	if chunks[1][0] != 3 {
		t.Errorf("expected second chunk to start with 3, got %d", chunks[1][0])
	}
}

// TestPartitionInvalidSize verifies that non-positive sizes are configuration errors
func TestPartitionInvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := Partition([]int{1}, size); !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("size %d: expected ErrInvalidConfiguration, got %v", size, err)
		}
	}
}

// TestChunksOfOffsets verifies that each chunk knows its input position
func TestChunksOfOffsets(t *testing.T) {
	reqs := make([]Request, 7)
	chunks, err := chunksOf(reqs, 3)
	if err != nil {
		t.Fatalf("chunksOf() failed: %v", err)
	}
	var starts []int
	for _, c := range chunks {
		starts = append(starts, c.start)
	}
	if !slices.Equal(starts, []int{0, 3, 6}) {
		t.Errorf("expected starts [0 3 6], got %v", starts)
	}
}
