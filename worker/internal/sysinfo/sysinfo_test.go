package sysinfo

import (
	"context"
	"testing"
)

func TestDescribeCarriesVMID(t *testing.T) {
	info := Describe("vm-test-1")
	if info["vm_id"] != "vm-test-1" {
		t.Fatalf("vm_id = %v", info["vm_id"])
	}
	for _, key := range []string{"hostname", "platform", "architecture", "runtime_version", "working_directory", "user"} {
		if _, ok := info[key]; !ok {
			t.Fatalf("missing vm_info key %q", key)
		}
	}
}

func TestCollectNeverOmitsSections(t *testing.T) {
	m := Collect(context.Background())
	for _, key := range []string{"cpu", "memory", "gpu", "disk", "system"} {
		section, ok := m[key].(map[string]any)
		if !ok {
			t.Fatalf("section %q missing or wrong type: %v", key, m[key])
		}
		if len(section) == 0 {
			t.Fatalf("section %q is empty", key)
		}
	}
	gpu := m["gpu"].(map[string]any)
	if _, ok := gpu["detected"]; !ok {
		t.Fatalf("gpu section lacks detected flag")
	}
}
