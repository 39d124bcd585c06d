// Package marker extracts structured payloads that executed scripts
// print as single stdout lines of the form NAME:{json}.
package marker

import (
	"encoding/json"
	"strings"
)

// Marker line prefixes recognized in script output.
const (
	VideoOutput     = "VIDEO_OUTPUT"
	GIFOutput       = "GIF_OUTPUT"
	BenchmarkOutput = "BENCHMARK_OUTPUT"
)

// Extract scans output line by line for "name:{...}" and returns the
// payload of the last line that carries valid JSON. Malformed lines are
// skipped rather than failing the whole scan; scripts interleave
// markers with ordinary prints.
func Extract(output, name string) (map[string]any, bool) {
	prefix := name + ":"
	var payload map[string]any
	found := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, prefix))
		var parsed map[string]any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			continue
		}
		payload = parsed
		found = true
	}
	return payload, found
}

// ExtractVideoData merges VIDEO_OUTPUT and GIF_OUTPUT payloads into a
// single map, GIF keys winning on collision. Returns nil when neither
// marker is present.
func ExtractVideoData(output string) map[string]any {
	var merged map[string]any
	for _, name := range []string{VideoOutput, GIFOutput} {
		payload, ok := Extract(output, name)
		if !ok {
			continue
		}
		if merged == nil {
			merged = make(map[string]any, len(payload))
		}
		for k, v := range payload {
			merged[k] = v
		}
	}
	return merged
}

// ExtractBenchmarks returns the BENCHMARK_OUTPUT payload, or nil.
func ExtractBenchmarks(output string) map[string]any {
	payload, ok := Extract(output, BenchmarkOutput)
	if !ok {
		return nil
	}
	return payload
}
