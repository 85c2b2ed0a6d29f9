package protocol

// SplitChunks splits payload into consecutive slices of at most size bytes.
// Boundaries are byte offsets; multi-byte characters may be split. The
// returned slices share payload's backing array. Returns nil for an empty
// payload or a non-positive size.
func SplitChunks(payload []byte, size int) [][]byte {
	if len(payload) == 0 || size <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		end := min(start+size, len(payload))
		chunks = append(chunks, payload[start:end:end])
	}
	return chunks
}
