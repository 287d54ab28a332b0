package render

import "fmt"

// FrameRange is an inclusive [Start, End] chunk of frames assigned to one
// worker.
type FrameRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Frames returns the number of frames in the range.
func (r FrameRange) Frames() int { return r.End - r.Start + 1 }

// PartitionFrames splits durationInFrames into workers contiguous,
// non-overlapping inclusive ranges covering exactly [0, durationInFrames-1],
// with sizes differing by at most one. The first (durationInFrames mod
// workers) ranges get the extra frame. When there are more workers than
// frames, only durationInFrames single-frame ranges are returned.
func PartitionFrames(durationInFrames, workers int) ([]FrameRange, error) {
	if durationInFrames <= 0 {
		return nil, fmt.Errorf("duration_in_frames must be positive, got %d", durationInFrames)
	}
	if workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", workers)
	}
	if workers > durationInFrames {
		workers = durationInFrames
	}

	base := durationInFrames / workers
	extra := durationInFrames % workers

	ranges := make([]FrameRange, 0, workers)
	start := 0
	for i := 0; i < workers; i++ {
		size := base
		if i < extra {
			size++
		}
		end := start + size - 1
		ranges = append(ranges, FrameRange{Start: start, End: end})
		start = end + 1
	}
	return ranges, nil
}
