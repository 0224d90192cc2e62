package build

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conneroisu/playground/internal/errors"
)

//go:embed schema/toolchain.schema.json
var toolchainSchemaData []byte

// Schema validates toolchain stdout lines against the embedded JSON schema.
type Schema struct {
	schema *jsonschema.Schema
}

// NewSchema compiles the embedded schema. The server refuses to start when
// this fails.
func NewSchema() (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("toolchain.json", bytes.NewReader(toolchainSchemaData)); err != nil {
		return nil, fmt.Errorf("failed to add toolchain schema resource: %w", err)
	}

	schema, err := compiler.Compile("toolchain.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile toolchain schema: %w", err)
	}

	return &Schema{schema: schema}, nil
}

// Validate checks one decoded line.
func (s *Schema) Validate(v interface{}) error {
	if err := s.schema.Validate(v); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			var messages []string
			collectErrors(verr, &messages)
			return fmt.Errorf("schema validation failed: %s", strings.Join(messages, "; "))
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func collectErrors(err *jsonschema.ValidationError, messages *[]string) {
	if err.InstanceLocation != "" {
		*messages = append(*messages, fmt.Sprintf("%s: %s", err.InstanceLocation, err.Message))
	}
	for _, cause := range err.Causes {
		collectErrors(cause, messages)
	}
}

type toolLine struct {
	Stage   *toolStage   `json:"stage"`
	Message *toolMessage `json:"message"`
}

type toolStage struct {
	Type           string `json:"type"`
	CratesCompiled int    `json:"crates_compiled"`
	TotalCrates    int    `json:"total_crates"`
	CurrentCrate   string `json:"current_crate"`
}

type toolMessage struct {
	Target struct {
		Name string `json:"name"`
	} `json:"target"`
	Message struct {
		Level    string  `json:"level"`
		Message  string  `json:"message"`
		Rendered *string `json:"rendered"`
		Spans    []Span  `json:"spans"`
	} `json:"message"`
}

// decodeLine translates one stdout line into an event. ok is false for lines
// that are not recognized; the worker keeps those for failure logs.
func decodeLine(schema *Schema, line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Event{}, false
	}

	var generic interface{}
	if err := json.Unmarshal(line, &generic); err != nil {
		return Event{}, false
	}
	if schema != nil {
		if err := schema.Validate(generic); err != nil {
			return Event{}, false
		}
	}

	var tl toolLine
	if err := json.Unmarshal(line, &tl); err != nil {
		return Event{}, false
	}

	switch {
	case tl.Stage != nil:
		b := &BuildingStage{Type: BuildingOther}
		switch tl.Stage.Type {
		case BuildingCompiling:
			b.Type = BuildingCompiling
			b.CratesCompiled = tl.Stage.CratesCompiled
			b.TotalCrates = tl.Stage.TotalCrates
			b.CurrentCrate = tl.Stage.CurrentCrate
		case BuildingRunningBindgen:
			b.Type = BuildingRunningBindgen
		}
		return stageEvent(Stage{Type: StageBuilding, Building: b}), true

	case tl.Message != nil:
		m := tl.Message
		d := &Diagnostic{
			Level:       m.Message.Level,
			Message:     m.Message.Message,
			Spans:       m.Message.Spans,
			TargetCrate: m.Target.Name,
		}
		if d.Spans == nil {
			d.Spans = []Span{}
		}
		if m.Message.Rendered != nil {
			d.Rendered = *m.Message.Rendered
		}
		return Event{Kind: EventDiagnostic, Diagnostic: d}, true
	}
	return Event{}, false
}

// crateName is the compiler's name for a package: dashes become underscores.
func crateName(pkg string) string {
	return strings.ReplaceAll(pkg, "-", "_")
}

// userDiagnostic reports whether d belongs to the user's crate and is worth
// showing. Notes and help messages attached to dependencies are dropped.
func userDiagnostic(d *Diagnostic, pkg string) bool {
	if d.TargetCrate != crateName(pkg) && d.TargetCrate != pkg {
		return false
	}
	return d.Level == "error" || d.Level == "warning"
}

// ProbeVersion runs the toolchain with --version and returns its first
// output line.
func ProbeVersion(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, command, "--version").Output()
	if err != nil {
		return "", errors.NewBuildError(errors.ErrCodeToolchainFailed, "probe toolchain version", err).
			WithContext("command", command)
	}
	version, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return version, nil
}
