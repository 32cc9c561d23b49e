package batch

// Partition splits items into consecutive chunks of size elements; the last
// chunk holds the remainder. Concatenating the chunks in order gives back
// items exactly. Chunks share items' backing array but are capped, so
// appending to one never overwrites its neighbour.
func Partition[T any](items []T, size int) ([][]T, error) {
	if size <= 0 {
		return nil, invalidConfig("chunk size must be positive, got %d", size)
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks, nil
}

// chunk is a unit of work: a contiguous run of requests and the input
// position of its first element.
type chunk struct {
	start int
	items []Request
}

func chunksOf(requests []Request, size int) ([]chunk, error) {
	parts, err := Partition(requests, size)
	if err != nil {
		return nil, err
	}
	chunks := make([]chunk, len(parts))
	offset := 0
	for i, p := range parts {
		chunks[i] = chunk{start: offset, items: p}
		offset += len(p)
	}
	return chunks, nil
}
