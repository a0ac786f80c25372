package workflow

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
)

// Node ids of the input slots this service fills in. The graph itself is an
// opaque configuration artifact; only these slots and the seed inputs are
// touched.
const (
	subjectNode  = "127"
	guidanceNode = "139"
)

// Graph is a ComfyUI workflow: node id -> node object. It is treated as
// opaque except for the input slots substituted per submission.
type Graph map[string]map[string]any

// Load reads a workflow graph from a JSON file.
func Load(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("workflow: parse %s: %w", path, err)
	}
	for _, node := range []string{subjectNode, guidanceNode} {
		if _, err := inputs(g, node); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Build produces one fully-populated job specification: the action text is
// substituted into the subject and guidance slots, the guidance slot is
// paired with a coin-flipped instruction template, and every sampler seed is
// re-rolled. Randomness comes only from rng, so builds are deterministic
// under a seeded source.
func Build(g Graph, action string, rng *rand.Rand) (json.RawMessage, error) {
	clone, err := cloneGraph(g)
	if err != nil {
		return nil, err
	}

	subject, err := inputs(clone, subjectNode)
	if err != nil {
		return nil, err
	}
	subject["text_c"] = action

	guidance, err := inputs(clone, guidanceNode)
	if err != nil {
		return nil, err
	}
	guidance["text_c"] = action
	guidance["text_a"] = chooseGuidance(rng)

	randomizeSeeds(clone, rng)

	spec, err := json.Marshal(clone)
	if err != nil {
		return nil, fmt.Errorf("workflow: encode job spec: %w", err)
	}
	return spec, nil
}

func cloneGraph(g Graph) (Graph, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("workflow: clone graph: %w", err)
	}
	var clone Graph
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("workflow: clone graph: %w", err)
	}
	return clone, nil
}

func inputs(g Graph, node string) (map[string]any, error) {
	n, ok := g[node]
	if !ok {
		return nil, fmt.Errorf("workflow: graph is missing node %q", node)
	}
	in, ok := n["inputs"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("workflow: node %q has no inputs object", node)
	}
	return in, nil
}

// randomizeSeeds re-rolls every seed input so repeated submissions of the
// same action do not collapse onto one cached render.
func randomizeSeeds(g Graph, rng *rand.Rand) {
	for _, node := range g {
		in, ok := node["inputs"].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"seed", "noise_seed"} {
			if _, present := in[key]; present {
				in[key] = rng.Int63()
			}
		}
	}
}
