package pipeline

import (
	"reflect"
	"strings"
	"testing"
)

func TestApplyModifications_NestedSet(t *testing.T) {
	m := map[string]any{
		"text_styles": map[string]any{
			"default": map[string]any{"fill_color": "#FFFFFF"},
		},
	}

	out, err := ApplyModifications(m, map[string]any{
		"text_styles.default.fill_color": "#0000FF",
		"text_styles.default.font_size":  42,
	})
	if err != nil {
		t.Fatalf("ApplyModifications: %v", err)
	}

	def := out["text_styles"].(map[string]any)["default"].(map[string]any)
	if def["fill_color"] != "#0000FF" || def["font_size"] != 42 {
		t.Errorf("default = %v", def)
	}
}

func TestApplyModifications_CreatesIntermediateMaps(t *testing.T) {
	m := map[string]any{}

	out, err := ApplyModifications(m, map[string]any{"options.render.quality": "high"})
	if err != nil {
		t.Fatalf("ApplyModifications: %v", err)
	}

	opts := out["options"].(map[string]any)["render"].(map[string]any)
	if opts["quality"] != "high" {
		t.Errorf("quality = %v", opts["quality"])
	}
}

func TestApplyModifications_ArrayIndex(t *testing.T) {
	m := map[string]any{
		"scene_overrides": []any{
			map[string]any{"scene": 0, "text": "one"},
			map[string]any{"scene": 1, "text": "two"},
		},
	}

	out, err := ApplyModifications(m, map[string]any{"scene_overrides[1].text": "TWO"})
	if err != nil {
		t.Fatalf("ApplyModifications: %v", err)
	}

	second := out["scene_overrides"].([]any)[1].(map[string]any)
	if second["text"] != "TWO" {
		t.Errorf("text = %v", second["text"])
	}
}

func TestApplyModifications_RejectsBlockedRoots(t *testing.T) {
	blocked := []string{
		"job_id",
		"completed_steps",
		"step_timings.transcribe.attempt",
		"canvas_width",
		"input_videos[0].url",
	}
	for _, path := range blocked {
		_, err := ApplyModifications(map[string]any{}, map[string]any{path: "x"})
		if err == nil {
			t.Errorf("path %q: expected rejection", path)
		}
	}
}

func TestApplyModifications_RejectsEmptyPath(t *testing.T) {
	if _, err := ApplyModifications(map[string]any{}, map[string]any{"": 1}); err == nil {
		t.Error("empty path accepted")
	}
	if _, err := ApplyModifications(map[string]any{}, map[string]any{"  ": 1}); err == nil {
		t.Error("blank path accepted")
	}
}

func TestApplyModifications_TypeMismatchNamesPartialPath(t *testing.T) {
	m := map[string]any{
		"template_config": map[string]any{"name": "plain-string"},
	}

	_, err := ApplyModifications(m, map[string]any{"template_config.name.nested": 1})
	if err == nil {
		t.Fatal("expected type mismatch error")
	}
	if !strings.Contains(err.Error(), "template_config.name") {
		t.Errorf("error does not name partial path: %v", err)
	}
}

func TestApplyModifications_IndexOutOfRange(t *testing.T) {
	m := map[string]any{"tracks": []any{map[string]any{}}}

	_, err := ApplyModifications(m, map[string]any{"tracks[5].kind": "x"})
	if err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Errorf("expected out-of-range error, got %v", err)
	}
}

func TestApplyModifications_Idempotent(t *testing.T) {
	mods := map[string]any{
		"text_styles.default.fill_color": "#0000FF",
		"options.quality":                "high",
	}
	m := map[string]any{
		"text_styles": map[string]any{"default": map[string]any{"fill_color": "#FFFFFF"}},
	}

	once, err := ApplyModifications(m, mods)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	snapshot := deepCopyMap(t, once)

	twice, err := ApplyModifications(once, mods)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !reflect.DeepEqual(twice, snapshot) {
		t.Errorf("re-applying mods changed the result:\nonce:  %v\ntwice: %v", snapshot, twice)
	}
}

func TestSyncTextStyleProjections(t *testing.T) {
	m := map[string]any{
		"text_styles":     map[string]any{"default": map[string]any{"fill_color": "#0000FF"}},
		"template_config": map[string]any{"_text_styles": map[string]any{"default": map[string]any{"fill_color": "#FFFFFF"}}},
	}

	syncTextStyleProjections(m, map[string]any{"text_styles.default.fill_color": "#0000FF"})

	nested := m["template_config"].(map[string]any)["_text_styles"]
	if !reflect.DeepEqual(nested, m["text_styles"]) {
		t.Errorf("projections diverge: %v vs %v", nested, m["text_styles"])
	}
}

func TestSyncTextStyleProjections_ReverseDirection(t *testing.T) {
	m := map[string]any{
		"text_styles": map[string]any{"default": map[string]any{"fill_color": "#FFFFFF"}},
		"template_config": map[string]any{
			"_text_styles": map[string]any{"default": map[string]any{"fill_color": "#FF0000"}},
		},
	}

	syncTextStyleProjections(m, map[string]any{"template_config._text_styles.default.fill_color": "#FF0000"})

	if !reflect.DeepEqual(m["text_styles"], m["template_config"].(map[string]any)["_text_styles"]) {
		t.Errorf("reverse sync failed: %v", m["text_styles"])
	}
}

func deepCopyMap(t *testing.T, m map[string]any) map[string]any {
	t.Helper()
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = deepCopyMap(t, vv)
		case []any:
			list := make([]any, len(vv))
			for i, item := range vv {
				if mm, ok := item.(map[string]any); ok {
					list[i] = deepCopyMap(t, mm)
				} else {
					list[i] = item
				}
			}
			out[k] = list
		default:
			out[k] = v
		}
	}
	return out
}
