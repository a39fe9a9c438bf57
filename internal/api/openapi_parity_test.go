package api

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestOpenAPIContainsImplementedPaths(t *testing.T) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	repoRoot := filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
	openAPIPath := filepath.Join(repoRoot, "api", "openapi.yaml")

	content, err := os.ReadFile(openAPIPath)
	if err != nil {
		t.Fatalf("read openapi file error = %v", err)
	}
	var document struct {
		Paths map[string]map[string]any `yaml:"paths"`
	}
	if err := yaml.Unmarshal(content, &document); err != nil {
		t.Fatalf("parse openapi file error = %v", err)
	}

	routes := append([]string{"GET /v1/health", "GET /v1/ready", "GET /v1/metrics"}, patterns()...)
	for _, pattern := range routes {
		method, path, _ := strings.Cut(pattern, " ")
		operations, ok := document.Paths[path]
		if !ok {
			t.Fatalf("openapi missing path %s", path)
		}
		if _, ok := operations[strings.ToLower(method)]; !ok {
			t.Fatalf("openapi missing %s operation for %s", method, path)
		}
	}
}

func patterns() []string {
	out := make([]string, 0, len(protectedRoutes))
	for _, rt := range protectedRoutes {
		out = append(out, rt.pattern)
	}
	return out
}
