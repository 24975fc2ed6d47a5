// Package processor filters captured command output line by line
// with configurable processor chains.
package processor

import (
	"fmt"
	"strings"
)

const (
	ProcessorTypeTrim         string = "trim"
	ProcessorTypeDropBlank    string = "drop_blank"
	ProcessorTypeDropMatching string = "drop_matching"
)

// Processor defines the interface for processing output lines.
type Processor interface {
	// Process applies the processor's logic to the input lines.
	Process([]string) ([]string, error)
	Name() string
}

// ProcessorChain holds the processors that plan steps may refer to by name.
type ProcessorChain struct {
	processors map[string]Processor
}

func NewProcessorChain() *ProcessorChain {
	pc := &ProcessorChain{
		processors: make(map[string]Processor),
	}
	pc.registerDefaults()
	return pc
}

func (pc *ProcessorChain) registerDefaults() {
	pc.Register(&TrimProcessor{})
	pc.Register(&DropBlankProcessor{})
}

// Register adds a processor to the chain.
func (pc *ProcessorChain) Register(p Processor) {
	pc.processors[p.Name()] = p
}

// Has reports whether name is registered.
func (pc *ProcessorChain) Has(name string) bool {
	_, ok := pc.processors[name]
	return ok
}

// Process applies the named processors, then extra, to lines in order.
func (pc *ProcessorChain) Process(lines []string, names []string, extra ...Processor) ([]string, error) {
	chain := make([]Processor, 0, len(names)+len(extra))
	for _, name := range names {
		p, exists := pc.processors[name]
		if !exists {
			return nil, fmt.Errorf("processor %q not registered", name)
		}
		chain = append(chain, p)
	}
	chain = append(chain, extra...)

	result := lines
	for _, p := range chain {
		if len(result) == 0 {
			break
		}
		var err error
		result, err = p.Process(result)
		if err != nil {
			return nil, fmt.Errorf("%s processor failed: %w", p.Name(), err)
		}
	}
	return result, nil
}

// Text applies the chain to a blob of output, splitting and rejoining on newlines.
// A trailing newline is preserved.
func (pc *ProcessorChain) Text(text string, names []string, extra ...Processor) (string, error) {
	if text == "" || (len(names) == 0 && len(extra) == 0) {
		return text, nil
	}
	trailing := strings.HasSuffix(text, "\n")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	out, err := pc.Process(lines, names, extra...)
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", nil
	}
	joined := strings.Join(out, "\n")
	if trailing {
		joined += "\n"
	}
	return joined, nil
}

//Processor Implementations

// TrimProcessor trims whitespace from each line in the input.
type TrimProcessor struct{}

func (p *TrimProcessor) Name() string { return ProcessorTypeTrim }
func (p *TrimProcessor) Process(lines []string) ([]string, error) {
	trimmed := make([]string, len(lines))
	for i, line := range lines {
		trimmed[i] = strings.TrimSpace(line)
	}
	return trimmed, nil
}

// DropBlankProcessor removes lines that hold only whitespace.
type DropBlankProcessor struct{}

func (p *DropBlankProcessor) Name() string { return ProcessorTypeDropBlank }
func (p *DropBlankProcessor) Process(lines []string) ([]string, error) {
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	return kept, nil
}

// DropMatchingProcessor removes lines containing any of Patterns, e.g. "npm notice".
type DropMatchingProcessor struct {
	Patterns []string
}

func NewDropMatching(patterns ...string) *DropMatchingProcessor {
	return &DropMatchingProcessor{Patterns: patterns}
}

func (p *DropMatchingProcessor) Name() string { return ProcessorTypeDropMatching }
func (p *DropMatchingProcessor) Process(lines []string) ([]string, error) {
	if len(p.Patterns) == 0 {
		return lines, nil
	}
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if !p.matches(line) {
			kept = append(kept, line)
		}
	}
	return kept, nil
}

func (p *DropMatchingProcessor) matches(line string) bool {
	for _, pat := range p.Patterns {
		if pat != "" && strings.Contains(line, pat) {
			return true
		}
	}
	return false
}
