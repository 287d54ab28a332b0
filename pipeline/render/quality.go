package render

// QualityProfile is the encoder configuration derived from template-declared
// quality and preset.
type QualityProfile struct {
	CRF          int    `json:"crf"`
	AudioBitrate string `json:"audio_bitrate"`
	Preset       string `json:"preset"`
}

// Base CRF by declared quality. Lower is better.
var qualityBaseCRF = map[string]int{
	"low":    30,
	"medium": 24,
	"high":   19,
	"ultra":  16,
}

// Preset adjustment applied on top of the base CRF. Slower presets can
// afford a slightly higher CRF at the same visual quality.
var presetCRFOffset = map[string]int{
	"ultrafast": -3,
	"veryfast":  -2,
	"fast":      -1,
	"medium":    0,
	"slow":      1,
	"veryslow":  2,
}

var qualityAudioBitrate = map[string]string{
	"low":    "96k",
	"medium": "128k",
	"high":   "192k",
	"ultra":  "256k",
}

const (
	minCRF = 10
	maxCRF = 35
)

// ComputeQualityProfile maps quality + preset to encoder settings. Unknown
// quality falls back to medium; unknown preset contributes no offset. CRF is
// clamped to [10, 35].
func ComputeQualityProfile(quality, preset string) QualityProfile {
	base, ok := qualityBaseCRF[quality]
	if !ok {
		quality = "medium"
		base = qualityBaseCRF[quality]
	}
	crf := base + presetCRFOffset[preset]
	if crf < minCRF {
		crf = minCRF
	}
	if crf > maxCRF {
		crf = maxCRF
	}
	if preset == "" {
		preset = "medium"
	}
	return QualityProfile{
		CRF:          crf,
		AudioBitrate: qualityAudioBitrate[quality],
		Preset:       preset,
	}
}
