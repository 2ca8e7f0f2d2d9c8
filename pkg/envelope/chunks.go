package envelope

import "encoding/base64"

// SplitChunks slices payload into base64-encoded pieces of at most size
// bytes, in transmission order. The sender and the upload session manager
// share this framing: concatenating the decoded chunks in ascending order
// must reproduce payload exactly.
func SplitChunks(payload []byte, size int) []string {
	if size <= 0 {
		size = 1
	}
	if len(payload) == 0 {
		return []string{""}
	}
	chunks := make([]string, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, base64.StdEncoding.EncodeToString(payload[start:end]))
	}
	return chunks
}

// ChunkCount reports how many chunks of the given size a payload needs.
// Even an empty payload occupies one chunk, matching SplitChunks.
func ChunkCount(payloadSize, chunkSize int) int {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	n := (payloadSize + chunkSize - 1) / chunkSize
	if n == 0 {
		n = 1
	}
	return n
}
