package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDataTypeLibrary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "types.yaml")
	writeFile(t, path, `
schema: "v1"
ontology: {}
types:
  fastq_reads:
    format: fastq
    compression: gzip
  bam_alignment:
    format: bam
`)

	lib, err := LoadDataTypeLibrary(path)
	if err != nil {
		t.Fatalf("LoadDataTypeLibrary: %v", err)
	}
	dt, ok := lib.Get("fastq_reads")
	if !ok {
		t.Fatal("expected fastq_reads type")
	}
	props := dt.AsProperties()
	if len(props) != 2 {
		t.Fatalf("expected 2 properties, got %v", props)
	}
}

func TestLoadDataInstanceLibrary(t *testing.T) {
	dir := t.TempDir()
	typesPath := filepath.Join(dir, "types.yaml")
	writeFile(t, typesPath, `
schema: "v1"
ontology: {}
types:
  fastq_reads:
    format: fastq
`)
	manifestPath := filepath.Join(dir, "manifest.yaml")
	writeFile(t, manifestPath, `
description: "test manifest"
types_library: types.yaml
manifest:
  sample1:
    source: /data/sample1.fastq
    type: fastq_reads
`)

	lib, err := LoadDataInstanceLibrary(manifestPath)
	if err != nil {
		t.Fatalf("LoadDataInstanceLibrary: %v", err)
	}
	inst, ok := lib.Get("sample1")
	if !ok {
		t.Fatal("expected sample1 instance")
	}
	if inst.Type.Name != "fastq_reads" {
		t.Fatalf("expected fastq_reads type, got %s", inst.Type.Name)
	}
}

func TestLoadTransformInstanceLibraryValidatesContainer(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "align.yaml"), `
protocol: "bwa mem {inputs.reads} > {outputs.bam}"
inputs: ["format=fastq"]
outputs: ["format=bam"]
container: "quay.io/hallamlab/metasmith:0.2.dev-47c27e4"
`)
	writeFile(t, filepath.Join(dir, "bad.yaml"), `
protocol: "false"
container: "Not A Valid Ref!!"
`)

	lib, failures, err := LoadTransformInstanceLibrary([]string{dir}, true)
	if err != nil {
		t.Fatalf("LoadTransformInstanceLibrary: %v", err)
	}
	if lib.Len() != 1 {
		t.Fatalf("expected 1 loaded transform, got %d (failures: %v)", lib.Len(), failures)
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure for invalid container ref, got %v", failures)
	}
}

func TestTransformInstanceLibraryWatchReportsChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), `
protocol: "true"
`)

	lib, _, err := LoadTransformInstanceLibrary([]string{dir}, true)
	if err != nil {
		t.Fatalf("LoadTransformInstanceLibrary: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := lib.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeFile(t, filepath.Join(dir, "b.yaml"), `
protocol: "true"
`)

	select {
	case ev := <-events:
		if ev.Path == "" {
			t.Fatal("expected a non-empty event path")
		}
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("timed out waiting for watch event")
	}
}
