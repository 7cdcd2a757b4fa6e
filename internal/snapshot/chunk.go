package snapshot

// Default upload budgets. Both bounds apply to every chunk; a single file
// larger than the byte budget ships alone in its own chunk.
const (
	DefaultChunkBytes = 3 * 1024 * 1024
	DefaultChunkFiles = 50
)

// Chunk partitions files into upload chunks bounded by both a byte budget
// and a file-count budget, preserving input order.
func Chunk(files []File, byteBudget int, countBudget int) [][]File {
	if byteBudget <= 0 {
		byteBudget = DefaultChunkBytes
	}
	if countBudget <= 0 {
		countBudget = DefaultChunkFiles
	}

	var chunks [][]File
	var current []File
	currentBytes := 0

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentBytes = 0
		}
	}

	for _, file := range files {
		size := len(file.Content)
		if size > byteBudget {
			flush()
			chunks = append(chunks, []File{file})
			continue
		}
		if len(current) >= countBudget || currentBytes+size > byteBudget {
			flush()
		}
		current = append(current, file)
		currentBytes += size
	}
	flush()

	return chunks
}
