package render

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func payloadWith(settings map[string]any, tracks []any) Payload {
	p := Payload{"jobId": "job-1"}
	if settings != nil {
		p["project_settings"] = map[string]any{"video_settings": settings}
	}
	if tracks != nil {
		p["tracks"] = tracks
	}
	return p
}

func TestDurationInFrames_PrefersVideoSegments(t *testing.T) {
	p := payloadWith(
		map[string]any{"fps": float64(30), "duration_in_frames": float64(9999)},
		[]any{
			map[string]any{
				"type": "video_segments",
				"items": []any{
					map[string]any{"start": float64(0), "end": float64(10)},
					map[string]any{"start": float64(10), "end": float64(25.5)},
				},
			},
			// A longer overlay track must not win over segment sums.
			map[string]any{
				"type": "text",
				"items": []any{
					map[string]any{"start": float64(0), "end": float64(120)},
				},
			},
		},
	)
	frames, err := p.DurationInFrames()
	require.NoError(t, err)
	require.Equal(t, 765, frames) // 25.5s * 30fps
}

func TestDurationInFrames_FallsBackToMaxTrackEnd(t *testing.T) {
	p := payloadWith(
		map[string]any{"fps": float64(24)},
		[]any{
			map[string]any{
				"type": "text",
				"items": []any{
					map[string]any{"start": float64(2), "end": float64(8)},
					map[string]any{"start": float64(5), "end": float64(12.5)},
				},
			},
		},
	)
	frames, err := p.DurationInFrames()
	require.NoError(t, err)
	require.Equal(t, 300, frames) // 12.5s * 24fps
}

func TestDurationInFrames_DeclaredIsLastResort(t *testing.T) {
	p := payloadWith(map[string]any{"duration_in_frames": float64(450)}, nil)
	frames, err := p.DurationInFrames()
	require.NoError(t, err)
	require.Equal(t, 450, frames)
}

func TestDurationInFrames_ErrorsWhenUnderivable(t *testing.T) {
	p := payloadWith(nil, nil)
	_, err := p.DurationInFrames()
	require.Error(t, err)
}

func TestFPS_Default(t *testing.T) {
	require.Equal(t, float64(30), Payload{"jobId": "j"}.FPS())
	require.Equal(t, float64(60), payloadWith(map[string]any{"fps": float64(60)}, nil).FPS())
}

func TestClone_IsDeep(t *testing.T) {
	p := payloadWith(map[string]any{"fps": float64(30)}, []any{
		map[string]any{"type": "text", "items": []any{map[string]any{"end": float64(5)}}},
	})
	clone := p.Clone()
	clone["jobId"] = "other"
	clone["tracks"].([]any)[0].(map[string]any)["type"] = "mutated"
	clone["project_settings"].(map[string]any)["video_settings"].(map[string]any)["fps"] = float64(99)

	require.Equal(t, "job-1", p.JobID())
	require.Equal(t, "text", p.tracks()[0]["type"])
	require.Equal(t, float64(30), p.FPS())
}
