package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// BlockedFields are root-level state fields replay modifications must never
// touch: identity, pre-pipeline inputs, canvas geometry, and engine-managed
// tracking.
var BlockedFields = map[string]struct{}{
	"job_id":               {},
	"project_id":           {},
	"user_id":              {},
	"conversation_id":      {},
	"template_id":          {},
	"input_videos":         {},
	"webhook_url":          {},
	"original_video_url":   {},
	"normalized_video_url": {},
	"canvas_width":         {},
	"canvas_height":        {},
	"upload_width":         {},
	"upload_height":        {},
	"completed_steps":      {},
	"skipped_steps":        {},
	"failed_step":          {},
	"step_timings":         {},
	"error_message":        {},
	"engine_version":       {},
	"created_at":           {},
}

// ValidateModifications checks every path in mods: paths must be non-empty
// strings whose root segment is not blocked.
func ValidateModifications(mods map[string]any) error {
	for path := range mods {
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("modification path must be a non-empty string")
		}
		root := path
		if i := strings.IndexAny(path, ".["); i >= 0 {
			root = path[:i]
		}
		if _, blocked := BlockedFields[root]; blocked {
			return fmt.Errorf("field %q cannot be modified", root)
		}
	}
	return nil
}

// ApplyModifications sets each dot-notation path in the state map, creating
// intermediate maps as needed. Array indices use the key[i] syntax and may
// appear at any level. The input map is modified in place and returned.
func ApplyModifications(stateMap map[string]any, mods map[string]any) (map[string]any, error) {
	if err := ValidateModifications(mods); err != nil {
		return stateMap, err
	}
	for path, value := range mods {
		if err := setPath(stateMap, path, value); err != nil {
			return stateMap, err
		}
	}
	return stateMap, nil
}

// pathSegment is one parsed segment of a dot-notation path: a key plus an
// optional array index.
type pathSegment struct {
	key   string
	index int // -1 when no index
}

func parsePath(path string) ([]pathSegment, error) {
	parts := strings.Split(path, ".")
	segments := make([]pathSegment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("empty segment in path %q", path)
		}
		seg := pathSegment{key: part, index: -1}
		if open := strings.Index(part, "["); open >= 0 {
			if !strings.HasSuffix(part, "]") {
				return nil, fmt.Errorf("malformed index in segment %q of path %q", part, path)
			}
			idx, err := strconv.Atoi(part[open+1 : len(part)-1])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid array index in segment %q of path %q", part, path)
			}
			seg.key = part[:open]
			seg.index = idx
			if seg.key == "" {
				return nil, fmt.Errorf("missing key before index in segment %q of path %q", part, path)
			}
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// setPath navigates the nested structure and sets the leaf. Type mismatches
// fail with an error naming the partial path navigated so far.
func setPath(root map[string]any, path string, value any) error {
	segments, err := parsePath(path)
	if err != nil {
		return err
	}

	current := root
	walked := make([]string, 0, len(segments))
	for i, seg := range segments {
		last := i == len(segments)-1
		walked = append(walked, seg.key)
		partial := strings.Join(walked, ".")

		if seg.index < 0 {
			if last {
				current[seg.key] = value
				return nil
			}
			child, exists := current[seg.key]
			if !exists || child == nil {
				next := make(map[string]any)
				current[seg.key] = next
				current = next
				continue
			}
			next, ok := child.(map[string]any)
			if !ok {
				return fmt.Errorf("expected map at %q, found %T", partial, child)
			}
			current = next
			continue
		}

		// Indexed segment: current[key] must be a list long enough.
		child, exists := current[seg.key]
		if !exists || child == nil {
			return fmt.Errorf("expected array at %q, found nothing", partial)
		}
		list, ok := child.([]any)
		if !ok {
			return fmt.Errorf("expected array at %q, found %T", partial, child)
		}
		if seg.index >= len(list) {
			return fmt.Errorf("index %d out of range at %q (len %d)", seg.index, partial, len(list))
		}

		indexed := fmt.Sprintf("%s[%d]", partial, seg.index)
		if last {
			list[seg.index] = value
			return nil
		}
		next, ok := list[seg.index].(map[string]any)
		if !ok {
			return fmt.Errorf("expected map at %q, found %T", indexed, list[seg.index])
		}
		current = next
		walked[len(walked)-1] = fmt.Sprintf("%s[%d]", seg.key, seg.index)
	}
	return nil
}

// syncTextStyleProjections keeps the two text-style locations coherent:
// downstream steps read template_config._text_styles, while modifications
// usually target text_styles. Whichever side a mod touched is copied over
// the other.
func syncTextStyleProjections(stateMap map[string]any, mods map[string]any) {
	touchedTop := false
	touchedNested := false
	for path := range mods {
		if path == "text_styles" || strings.HasPrefix(path, "text_styles.") || strings.HasPrefix(path, "text_styles[") {
			touchedTop = true
		}
		if strings.HasPrefix(path, "template_config._text_styles") {
			touchedNested = true
		}
	}
	if !touchedTop && !touchedNested {
		return
	}

	if touchedTop {
		styles, ok := stateMap["text_styles"]
		if !ok {
			return
		}
		cfg, ok := stateMap["template_config"].(map[string]any)
		if !ok {
			cfg = make(map[string]any)
			stateMap["template_config"] = cfg
		}
		cfg["_text_styles"] = styles
		return
	}

	cfg, ok := stateMap["template_config"].(map[string]any)
	if !ok {
		return
	}
	if styles, ok := cfg["_text_styles"]; ok {
		stateMap["text_styles"] = styles
	}
}
