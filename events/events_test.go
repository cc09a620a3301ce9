package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestEmitOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf)

	e.Emit(Record{Type: TypeInit, Total: 3, Workers: 8, Output: "/out"})
	e.Emit(Record{Type: TypeProgress, File: "a.docx", Lane: "local", Status: "success", Elapsed: 0.42})
	e.Emit(Record{Type: TypeComplete, Success: 3, TotalTime: 1.5, ByLane: map[string]int{"local": 3}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first["type"] != "init" || first["total"] != float64(3) {
		t.Errorf("init record = %v", first)
	}
	// Zero-valued fields must be absent, not null.
	if _, ok := first["file"]; ok {
		t.Errorf("init record carries file field: %s", lines[0])
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if second["time"] != 0.42 {
		t.Errorf("elapsed serialized as %v, want under key time", second["time"])
	}
}

func TestEmitConcurrent(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Emit(Record{Type: TypeProgress, File: "f", Status: "success"})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines, want 20", len(lines))
	}
	for _, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("interleaved write produced bad line %q: %v", line, err)
		}
	}
}
