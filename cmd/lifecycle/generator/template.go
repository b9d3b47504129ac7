package generator

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// TemplateGenerator produces deterministic Arduino-style source from the
// device's sensor schema. It is the default generator for development and
// for deployments that run without an external generation service.
type TemplateGenerator struct{}

// NewTemplateGenerator creates a template-based generator
func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{}
}

// Generate renders a sketch that reads every sensor in the schema and
// reports readings over serial, annotated with the triggering event.
func (g *TemplateGenerator) Generate(ctx context.Context, req *Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	labels := make([]string, 0, len(req.SensorSchema))
	for label := range req.SensorSchema {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var b strings.Builder
	fmt.Fprintf(&b, "// Firmware for %s\n", req.DeviceID)
	fmt.Fprintf(&b, "// Regenerated in response to: %s\n", sanitizeComment(req.EventDetails))
	if req.Policy != "" {
		fmt.Fprintf(&b, "// Policy: %s\n", sanitizeComment(req.Policy))
	}
	b.WriteString("\nvoid setup() {\n  Serial.begin(9600);\n")
	for _, label := range labels {
		spec := req.SensorSchema[label]
		if spec.Type == "digital" {
			fmt.Fprintf(&b, "  pinMode(%d, INPUT);\n", spec.Pin)
		}
	}
	b.WriteString("}\n\nvoid loop() {\n")
	for _, label := range labels {
		spec := req.SensorSchema[label]
		switch spec.Type {
		case "analog":
			fmt.Fprintf(&b, "  int sensor%s = analogRead(A%d);\n", label, spec.Pin)
		case "digital":
			fmt.Fprintf(&b, "  int sensor%s = digitalRead(%d);\n", label, spec.Pin)
		default:
			return nil, fmt.Errorf("unknown sensor type %q for sensor %s", spec.Type, label)
		}
	}
	for _, label := range labels {
		fmt.Fprintf(&b, "  Serial.print(\"%s=\");\n  Serial.println(sensor%s);\n", label, label)
	}
	b.WriteString("  delay(1000);\n}\n")

	return []byte(b.String()), nil
}

// sanitizeComment keeps event text from breaking out of a line comment
func sanitizeComment(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
