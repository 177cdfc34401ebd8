package workflow

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

const testTemplate = `{
	"3": {"inputs": {"seed": 0, "steps": 20, "cfg": 8, "model": ["4", 0]}, "class_type": "KSampler"},
	"4": {"inputs": {"ckpt_name": "default.safetensors"}, "class_type": "CheckpointLoaderSimple"},
	"5": {"inputs": {"width": 512, "height": 512, "batch_size": 4}, "class_type": "EmptyLatentImage"},
	"6": {"inputs": {"text": "placeholder", "clip": ["4", 1]}, "class_type": "CLIPTextEncode"},
	"9": {"inputs": {"filename_prefix": "placeholder", "images": ["8", 0]}, "class_type": "SaveImage"}
}`

func writeTemplate(t *testing.T, content string) *Template {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow_api.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	return NewTemplate(path)
}

func TestRender_FillsSlots(t *testing.T) {
	tmpl := writeTemplate(t, testTemplate)

	graph, err := tmpl.Render("a cat", Params{
		Steps:  6,
		Width:  1080,
		Height: 720,
		Seed:   42,
		Model:  "realvisxl.safetensors",
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if got := graph[NodePrompt].Inputs["text"]; got != "a cat" {
		t.Errorf("prompt text = %v", got)
	}
	if got := graph[NodeSampler].Inputs["seed"]; got != uint64(42) {
		t.Errorf("seed = %v (%T), want 42", got, got)
	}
	if got := graph[NodeSampler].Inputs["steps"]; got != 6 {
		t.Errorf("steps = %v", got)
	}
	if got := graph[NodeLatent].Inputs["width"]; got != 1080 {
		t.Errorf("width = %v", got)
	}
	if got := graph[NodeLatent].Inputs["height"]; got != 720 {
		t.Errorf("height = %v", got)
	}
	if got := graph[NodeLatent].Inputs["batch_size"]; got != 1 {
		t.Errorf("batch_size = %v, want 1", got)
	}
	if got := graph[NodeCheckpoint].Inputs["ckpt_name"]; got != "realvisxl.safetensors" {
		t.Errorf("ckpt_name = %v", got)
	}
	if got := graph[NodeSave].Inputs["filename_prefix"]; got != FilenamePrefix {
		t.Errorf("filename_prefix = %v", got)
	}
	// Unrelated inputs survive the substitution.
	if got := graph[NodeSampler].Inputs["cfg"]; got != float64(8) {
		t.Errorf("cfg = %v, want untouched 8", got)
	}
}

func TestRender_SentinelSeedInRange(t *testing.T) {
	tmpl := writeTemplate(t, testTemplate)

	graph, err := tmpl.Render("x", Params{Steps: 1, Width: 64, Height: 64, Seed: SeedUnspecified})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	seed, ok := graph[NodeSampler].Inputs["seed"].(uint64)
	if !ok {
		t.Fatalf("seed has type %T, want uint64", graph[NodeSampler].Inputs["seed"])
	}
	if seed < 1 || seed > math.MaxUint64-1 {
		t.Errorf("seed = %d out of [1, 2^64-2]", seed)
	}
}

func TestRender_SentinelSeedVaries(t *testing.T) {
	tmpl := writeTemplate(t, testTemplate)
	p := Params{Steps: 1, Width: 64, Height: 64, Seed: SeedUnspecified}

	first, err := tmpl.Render("x", p)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	second, err := tmpl.Render("x", p)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if first[NodeSampler].Inputs["seed"] == second[NodeSampler].Inputs["seed"] {
		t.Errorf("two sentinel renders produced the same seed %v", first[NodeSampler].Inputs["seed"])
	}
}

func TestRender_ZeroSeedIsExplicit(t *testing.T) {
	tmpl := writeTemplate(t, testTemplate)

	graph, err := tmpl.Render("x", Params{Steps: 1, Width: 64, Height: 64, Seed: 0})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got := graph[NodeSampler].Inputs["seed"]; got != uint64(0) {
		t.Errorf("seed = %v, want explicit 0", got)
	}
}

func TestRender_MissingFile(t *testing.T) {
	tmpl := NewTemplate(filepath.Join(t.TempDir(), "missing.json"))

	if _, err := tmpl.Render("x", Params{}); !errors.Is(err, ErrTemplateRead) {
		t.Errorf("Render() error = %v, want ErrTemplateRead", err)
	}
}

func TestRender_MissingSlot(t *testing.T) {
	// Template without the save node.
	tmpl := writeTemplate(t, `{
		"3": {"inputs": {}}, "4": {"inputs": {}}, "5": {"inputs": {}}, "6": {"inputs": {}}
	}`)

	if _, err := tmpl.Render("x", Params{}); !errors.Is(err, ErrMissingSlot) {
		t.Errorf("Render() error = %v, want ErrMissingSlot", err)
	}
}

func TestRender_FreshGraphPerCall(t *testing.T) {
	tmpl := writeTemplate(t, testTemplate)

	first, err := tmpl.Render("first prompt", Params{Steps: 1, Width: 64, Height: 64, Seed: 1})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	second, err := tmpl.Render("second prompt", Params{Steps: 1, Width: 64, Height: 64, Seed: 1})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if first[NodePrompt].Inputs["text"] != "first prompt" {
		t.Errorf("first render mutated by second: %v", first[NodePrompt].Inputs["text"])
	}
	if second[NodePrompt].Inputs["text"] != "second prompt" {
		t.Errorf("second render text = %v", second[NodePrompt].Inputs["text"])
	}
}
