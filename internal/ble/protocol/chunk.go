// Package protocol holds payload framing helpers shared by the BLE
// manager and its callers.
package protocol

// MinChunkSize is the smallest usable write: the 23-byte default ATT MTU
// minus the 3-byte ATT header.
const MinChunkSize = 20

// ChunkBytes splits data into consecutive pieces of at most size bytes.
// Sizes below MinChunkSize are raised to it. The pieces share no memory
// with data. Returns nil for empty data.
func ChunkBytes(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if size < MinChunkSize {
		size = MinChunkSize
	}

	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(size, len(data))
		chunk := make([]byte, n)
		copy(chunk, data[:n])
		chunks = append(chunks, chunk)
		data = data[n:]
	}
	return chunks
}
