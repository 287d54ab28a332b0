// Package render dispatches the terminal render stage to external worker
// backends: a single worker over HTTP, a pool of homogeneous workers with
// frame-range chunking and polling, a round-robin pool of single-job
// workers, or a stateless cloud function.
package render

import (
	"encoding/json"
	"fmt"
)

// Payload is the render request body sent to workers. It is an open JSON
// tree assembled upstream; the dispatcher reads and rewrites parts of it but
// never assumes a closed schema.
type Payload map[string]any

// Clone deep-copies the payload so per-chunk mutations never leak between
// chunks.
func (p Payload) Clone() Payload {
	return Payload(cloneValue(map[string]any(p)).(map[string]any))
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, item := range vv {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// JobID returns the payload's job identifier.
func (p Payload) JobID() string {
	s, _ := p["jobId"].(string)
	return s
}

// videoSettings returns project_settings.video_settings, or nil.
func (p Payload) videoSettings() map[string]any {
	ps, ok := p["project_settings"].(map[string]any)
	if !ok {
		return nil
	}
	vs, _ := ps["video_settings"].(map[string]any)
	return vs
}

// FPS returns the declared frame rate, defaulting to 30.
func (p Payload) FPS() float64 {
	if vs := p.videoSettings(); vs != nil {
		if fps := toFloat(vs["fps"]); fps > 0 {
			return fps
		}
	}
	return 30
}

// DurationInFrames derives the total frame count. Derivation order:
//  1. Sum of video-segment durations (authoritative when segments exist).
//  2. Maximum end time across any track's items.
//  3. The payload-declared duration_in_frames (last resort).
func (p Payload) DurationInFrames() (int, error) {
	fps := p.FPS()

	if seconds := p.videoSegmentSeconds(); seconds > 0 {
		return int(seconds*fps + 0.5), nil
	}
	if seconds := p.maxTrackEndSeconds(); seconds > 0 {
		return int(seconds*fps + 0.5), nil
	}
	if vs := p.videoSettings(); vs != nil {
		if frames := int(toFloat(vs["duration_in_frames"])); frames > 0 {
			return frames, nil
		}
	}
	return 0, fmt.Errorf("cannot derive render duration: no segments, track items, or declared frames")
}

// videoSegmentSeconds sums the durations of video-segment track items.
func (p Payload) videoSegmentSeconds() float64 {
	var total float64
	for _, track := range p.tracks() {
		if kind, _ := track["type"].(string); kind != "video_segments" {
			continue
		}
		for _, item := range trackItems(track) {
			start := toFloat(item["start"])
			end := toFloat(item["end"])
			if end > start {
				total += end - start
			} else if d := toFloat(item["duration"]); d > 0 {
				total += d
			}
		}
	}
	return total
}

// maxTrackEndSeconds returns the latest end time across all tracks.
func (p Payload) maxTrackEndSeconds() float64 {
	var max float64
	for _, track := range p.tracks() {
		for _, item := range trackItems(track) {
			if end := toFloat(item["end"]); end > max {
				max = end
			}
		}
	}
	return max
}

func (p Payload) tracks() []map[string]any {
	raw, ok := p["tracks"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, t := range raw {
		if m, ok := t.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func trackItems(track map[string]any) []map[string]any {
	raw, ok := track["items"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, t := range raw {
		if m, ok := t.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
