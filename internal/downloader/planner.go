package downloader

import "github.com/xtreamdl/media_downloader/internal/download"

// PlanChunks divides [0, totalBytes) into count contiguous, disjoint,
// end-exclusive chunks of equal width; the last chunk absorbs the remainder.
// The requested count is clamped so no chunk ends up empty.
func PlanChunks(totalBytes int64, count int) []download.Chunk {
	if count < 1 {
		count = 1
	}

	if int64(count) > totalBytes {
		count = int(totalBytes)
		if count < 1 {
			count = 1
		}
	}

	width := totalBytes / int64(count)
	chunks := make([]download.Chunk, count)

	for i := range chunks {
		start := int64(i) * width
		end := start + width

		if i == count-1 {
			end = totalBytes
		}

		chunks[i] = download.Chunk{
			Index: i,
			Start: start,
			End:   end,
			State: download.ChunkPending,
		}
	}

	return chunks
}

// StreamPlan returns the single full-stream chunk used when the server does
// not honor range requests or the size is unknown. An End of
// download.TotalUnknown means "read until EOF".
func StreamPlan(totalBytes int64) []download.Chunk {
	end := totalBytes
	if end <= 0 {
		end = download.TotalUnknown
	}

	return []download.Chunk{{
		Index: 0,
		Start: 0,
		End:   end,
		State: download.ChunkPending,
	}}
}
