package render

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeQualityProfile(t *testing.T) {
	cases := []struct {
		quality, preset string
		wantCRF         int
		wantBitrate     string
		wantPreset      string
	}{
		{"low", "medium", 30, "96k", "medium"},
		{"medium", "medium", 24, "128k", "medium"},
		{"high", "medium", 19, "192k", "medium"},
		{"ultra", "medium", 16, "256k", "medium"},
		{"high", "ultrafast", 16, "192k", "ultrafast"},
		{"low", "veryslow", 32, "96k", "veryslow"},
		{"ultra", "ultrafast", 13, "256k", "ultrafast"},
		// Unknown quality falls back to medium; unknown preset adds nothing.
		{"cinematic", "medium", 24, "128k", "medium"},
		{"high", "bogus", 19, "192k", "bogus"},
		// Empty preset defaults to medium with no offset.
		{"medium", "", 24, "128k", "medium"},
	}
	for _, tc := range cases {
		got := ComputeQualityProfile(tc.quality, tc.preset)
		require.Equal(t, tc.wantCRF, got.CRF, "quality=%q preset=%q", tc.quality, tc.preset)
		require.Equal(t, tc.wantBitrate, got.AudioBitrate, "quality=%q preset=%q", tc.quality, tc.preset)
		require.Equal(t, tc.wantPreset, got.Preset, "quality=%q preset=%q", tc.quality, tc.preset)
	}
}

func TestComputeQualityProfile_ClampsCRF(t *testing.T) {
	for quality := range qualityBaseCRF {
		for preset := range presetCRFOffset {
			got := ComputeQualityProfile(quality, preset)
			require.GreaterOrEqual(t, got.CRF, minCRF)
			require.LessOrEqual(t, got.CRF, maxCRF)
		}
	}
}
