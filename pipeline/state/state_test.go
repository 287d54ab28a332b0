package state

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func sampleState() State {
	return State{
		JobID:     "job-001",
		ProjectID: "proj-001",
		UserID:    "user-001",
		InputVideos: []InputVideo{
			{URL: "https://cdn.example.com/raw.mp4", DurationSeconds: 120},
		},
		TextStyles: map[string]any{
			"default": map[string]any{"fill_color": "#FFFFFF"},
		},
		CanvasWidth:       1080,
		CanvasHeight:      1920,
		TranscriptionText: "hello world",
		TranscriptionWords: []Word{
			{Word: "hello", Start: 0.0, End: 0.4},
			{Word: "world", Start: 0.5, End: 0.9},
		},
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestState_SerializationRoundTrip(t *testing.T) {
	s := sampleState()

	first, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded State
	if err := json.Unmarshal(first, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	second, err := json.Marshal(decoded)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}

	if string(first) != string(second) {
		t.Errorf("round trip not stable:\nfirst:  %s\nsecond: %s", first, second)
	}
}

func TestState_UnknownFieldsIgnored(t *testing.T) {
	raw := []byte(`{"job_id":"job-001","some_future_field":{"nested":true}}`)

	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("unmarshal with unknown field: %v", err)
	}
	if s.JobID != "job-001" {
		t.Errorf("expected JobID job-001, got %q", s.JobID)
	}
}

func TestState_WithUpdatesShallowMergeLaw(t *testing.T) {
	s := sampleState()
	updates := map[string]any{
		"output_video_url":  "https://cdn.example.com/final.mp4",
		"transcription_text": "updated",
	}

	updated, err := s.WithUpdates(updates)
	if err != nil {
		t.Fatalf("WithUpdates: %v", err)
	}

	got, err := updated.ToMap()
	if err != nil {
		t.Fatalf("ToMap: %v", err)
	}

	want, err := s.ToMap()
	if err != nil {
		t.Fatalf("ToMap: %v", err)
	}
	for k, v := range updates {
		want[k] = v
	}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("WithUpdates(u).ToMap() != ToMap() merged with u\ngot:  %v\nwant: %v", got, want)
	}
}

func TestState_WithUpdatesDoesNotMutateOriginal(t *testing.T) {
	s := sampleState()

	_, err := s.WithUpdates(map[string]any{"output_video_url": "x"})
	if err != nil {
		t.Fatalf("WithUpdates: %v", err)
	}

	if s.OutputVideoURL != "" {
		t.Errorf("original state mutated: OutputVideoURL = %q", s.OutputVideoURL)
	}
}

func TestState_MarkCompleted(t *testing.T) {
	s := sampleState()
	timing := StepTiming{StartedAt: time.Now(), DurationMS: 1200, Attempt: 1}

	out := s.MarkCompleted("transcribe", timing)

	if !out.HasCompleted("transcribe") {
		t.Error("step not marked completed")
	}
	if s.HasCompleted("transcribe") {
		t.Error("original state mutated")
	}
	if got := out.StepTimings["transcribe"]; got.DurationMS != 1200 {
		t.Errorf("timing not recorded, got %+v", got)
	}

	// Idempotent on the name.
	again := out.MarkCompleted("transcribe", timing)
	if len(again.CompletedSteps) != 1 {
		t.Errorf("expected 1 completed step, got %v", again.CompletedSteps)
	}
}

func TestState_MarkSkippedForcesFlag(t *testing.T) {
	s := sampleState()
	out := s.MarkSkipped("apply_shadow", StepTiming{Attempt: 1, Error: "boom"})

	timing := out.StepTimings["apply_shadow"]
	if !timing.Skipped {
		t.Error("Skipped flag not forced on")
	}
	if timing.Error != "boom" {
		t.Errorf("error not carried, got %q", timing.Error)
	}
}

func TestState_CheckInvariants(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*State)
		wantErr bool
	}{
		{
			name:   "valid tracking",
			mutate: func(s *State) {},
		},
		{
			name: "completed and skipped overlap",
			mutate: func(s *State) {
				s.SkippedSteps = append(s.SkippedSteps, "transcribe")
			},
			wantErr: true,
		},
		{
			name: "failed step also completed",
			mutate: func(s *State) {
				s.FailedStep = "transcribe"
			},
			wantErr: true,
		},
		{
			name: "missing timing",
			mutate: func(s *State) {
				s.CompletedSteps = append(s.CompletedSteps, "orphan")
			},
			wantErr: true,
		},
		{
			name: "zero attempt",
			mutate: func(s *State) {
				s.StepTimings["transcribe"] = StepTiming{Attempt: 0}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sampleState().MarkCompleted("transcribe", StepTiming{Attempt: 1, DurationMS: 10})
			tt.mutate(&s)
			err := s.CheckInvariants()
			if tt.wantErr && err == nil {
				t.Error("expected invariant violation, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestState_PopulatedFields(t *testing.T) {
	s := State{JobID: "j", TranscriptionText: "t"}

	fields, err := s.PopulatedFields()
	if err != nil {
		t.Fatalf("PopulatedFields: %v", err)
	}

	want := map[string]bool{"job_id": true, "transcription_text": true}
	for _, f := range fields {
		delete(want, f)
	}
	if len(want) != 0 {
		t.Errorf("missing fields: %v (got %v)", want, fields)
	}
	for _, f := range fields {
		if f == "output_video_url" {
			t.Error("zero field reported as populated")
		}
	}
}

func TestState_CloneIsIndependent(t *testing.T) {
	s := sampleState()
	c, err := s.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	c.TextStyles["default"].(map[string]any)["fill_color"] = "#000000"

	orig := s.TextStyles["default"].(map[string]any)["fill_color"]
	if orig != "#FFFFFF" {
		t.Errorf("clone shares nested map with original, got %v", orig)
	}
}
