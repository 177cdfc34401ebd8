// Package workflow renders ComfyUI workflow graphs from a JSON template.
//
// The template is read fresh on every render so parameters never bleed
// between requests.
package workflow

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// Fixed node slots the template must provide.
const (
	NodeSampler    = "3" // seed, steps
	NodeCheckpoint = "4" // ckpt_name
	NodeLatent     = "5" // width, height, batch_size
	NodePrompt     = "6" // text
	NodeSave       = "9" // filename_prefix
)

// FilenamePrefix is written into the save node of every rendered graph.
const FilenamePrefix = "ComfyUI"

// SeedUnspecified asks for a random seed. It is the only sentinel: an
// explicit seed of 0 is submitted as-is.
const SeedUnspecified int64 = -1

var (
	ErrTemplateRead = errors.New("failed to read workflow template")
	ErrMissingSlot  = errors.New("workflow template missing required node")
)

// Params are the client-tunable knobs substituted into the graph.
type Params struct {
	Steps  int
	Width  int
	Height int
	Seed   int64
	Model  string
}

// Node is a single workflow graph node.
type Node struct {
	Inputs    map[string]any  `json:"inputs"`
	ClassType string          `json:"class_type,omitempty"`
	Meta      json.RawMessage `json:"_meta,omitempty"`
}

// Graph maps node id to node configuration, the shape the engine's
// /prompt endpoint expects.
type Graph map[string]Node

// Template renders graphs from the template file at path.
type Template struct {
	path string
}

// NewTemplate creates a Template backed by the given file.
func NewTemplate(path string) *Template {
	return &Template{path: path}
}

// Render loads the template and substitutes prompt text and parameters
// into the fixed node slots. A missing file or slot is an error; nothing
// is submitted from a template this code does not fully recognize.
func (t *Template) Render(promptText string, p Params) (Graph, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateRead, err)
	}

	var graph Graph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateRead, err)
	}

	for _, id := range []string{NodeSampler, NodeCheckpoint, NodeLatent, NodePrompt, NodeSave} {
		node, ok := graph[id]
		if !ok || node.Inputs == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingSlot, id)
		}
	}

	seed := resolveSeed(p.Seed)

	graph[NodePrompt].Inputs["text"] = promptText
	graph[NodeSampler].Inputs["seed"] = seed
	graph[NodeSampler].Inputs["steps"] = p.Steps
	graph[NodeLatent].Inputs["width"] = p.Width
	graph[NodeLatent].Inputs["height"] = p.Height
	graph[NodeLatent].Inputs["batch_size"] = 1
	graph[NodeCheckpoint].Inputs["ckpt_name"] = p.Model
	graph[NodeSave].Inputs["filename_prefix"] = FilenamePrefix

	return graph, nil
}

// resolveSeed maps the sentinel to a uniformly random seed in
// [1, 2^64-2]; any other value is used verbatim.
func resolveSeed(seed int64) uint64 {
	if seed != SeedUnspecified {
		return uint64(seed)
	}
	return randomSeed()
}

func randomSeed() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is not survivable in any useful way.
		panic(fmt.Sprintf("workflow: crypto/rand unavailable: %v", err))
	}
	// Map onto [1, 2^64-2]. The modulo bias over a 64-bit source is
	// negligible for seeding purposes.
	return binary.LittleEndian.Uint64(buf[:])%(math.MaxUint64-1) + 1
}
