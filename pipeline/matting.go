package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// MattingConfig is the request the start_matting step sends to the person
// matting service. The hash of the config keys cached matting results: a
// replay with an identical config reuses the existing matted output instead
// of re-running the subflow.
type MattingConfig struct {
	VideoURL     string  `json:"video_url"`
	ModelVariant string  `json:"model_variant,omitempty"`
	OutputFormat string  `json:"output_format,omitempty"`
	Threshold    float64 `json:"threshold,omitempty"`
	TargetFPS    int     `json:"target_fps,omitempty"`
}

// Hash returns a stable identity for the config, suitable as a cache key.
func (c MattingConfig) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		// Marshal of a plain struct cannot fail; keep the key stable anyway.
		data = []byte(c.VideoURL)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// HashParams hashes an open parameter map the same way. encoding/json sorts
// map keys, so equal maps always produce equal hashes.
func HashParams(params map[string]any) (string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("hash params: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}
