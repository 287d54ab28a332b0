package pipeline

import "testing"

func TestMattingConfigHash_Stable(t *testing.T) {
	cfg := MattingConfig{
		VideoURL:     "https://cdn.example.com/in.mp4",
		ModelVariant: "robust",
		Threshold:    0.4,
	}
	first := cfg.Hash()
	second := cfg.Hash()
	if first != second {
		t.Fatalf("hash not stable: %s vs %s", first, second)
	}
	if len(first) != 16 {
		t.Fatalf("hash length = %d, want 16 hex chars", len(first))
	}
}

func TestMattingConfigHash_DistinguishesConfigs(t *testing.T) {
	base := MattingConfig{VideoURL: "https://cdn.example.com/in.mp4"}
	variant := base
	variant.ModelVariant = "fast"
	if base.Hash() == variant.Hash() {
		t.Fatal("different configs must hash differently")
	}
}

func TestHashParams_OrderIndependent(t *testing.T) {
	a, err := HashParams(map[string]any{"video_url": "u", "threshold": 0.4, "fps": 30})
	if err != nil {
		t.Fatalf("HashParams: %v", err)
	}
	b, err := HashParams(map[string]any{"fps": 30, "threshold": 0.4, "video_url": "u"})
	if err != nil {
		t.Fatalf("HashParams: %v", err)
	}
	if a != b {
		t.Fatalf("equal maps hashed differently: %s vs %s", a, b)
	}
}

func TestHashParams_RejectsUnencodable(t *testing.T) {
	if _, err := HashParams(map[string]any{"bad": make(chan int)}); err == nil {
		t.Fatal("expected error for unencodable value")
	}
}
