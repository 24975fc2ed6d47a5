package processor

import (
	"reflect"
	"testing"
)

func TestTrimProcessor(t *testing.T) {
	p := &TrimProcessor{}
	input := []string{"  hello    ", " world "}
	expected := []string{"hello", "world"}
	result, err := p.Process(input)
	if err != nil {
		t.Fatalf("TrimProcessor failed: %v", err)
	}
	if !reflect.DeepEqual(result, expected) {
		t.Errorf("TrimProcessor: got %v, want %v", result, expected)
	}
}

func TestDropMatchingProcessor(t *testing.T) {
	p := NewDropMatching("npm notice", "npm WARN")
	input := []string{"npm notice New major version", "Error: P3009 migrate failed", "npm WARN deprecated"}
	expected := []string{"Error: P3009 migrate failed"}
	result, err := p.Process(input)
	if err != nil {
		t.Fatalf("DropMatchingProcessor failed: %v", err)
	}
	if !reflect.DeepEqual(result, expected) {
		t.Errorf("DropMatchingProcessor: got %v, want %v", result, expected)
	}
}

func TestProcessorChain(t *testing.T) {
	pc := NewProcessorChain()
	input := []string{"  built in 3s ", "", "   ", "done  "}
	expected := []string{"built in 3s", "done"}
	result, err := pc.Process(input, []string{ProcessorTypeTrim, ProcessorTypeDropBlank})
	if err != nil {
		t.Fatalf("ProcessorChain failed: %v", err)
	}
	if !reflect.DeepEqual(result, expected) {
		t.Errorf("ProcessorChain: got %v, want %v", result, expected)
	}
}

func TestProcessorChainUnknown(t *testing.T) {
	pc := NewProcessorChain()
	if _, err := pc.Process([]string{"x"}, []string{"key_value"}); err == nil {
		t.Fatal("expected error for unregistered processor")
	}
	if pc.Has("key_value") {
		t.Error("key_value should not be registered")
	}
	if !pc.Has(ProcessorTypeTrim) {
		t.Error("trim should be registered")
	}
}

func TestProcessorChainText(t *testing.T) {
	pc := NewProcessorChain()
	tests := []struct {
		name     string
		input    string
		names    []string
		extra    []Processor
		expected string
	}{
		{
			name:     "no processors leaves text untouched",
			input:    "  a\n\nb  \n",
			expected: "  a\n\nb  \n",
		},
		{
			name:     "trailing newline preserved",
			input:    "npm notice x\nreal error\n",
			extra:    []Processor{NewDropMatching("npm notice")},
			expected: "real error\n",
		},
		{
			name:     "everything dropped",
			input:    "npm notice a\nnpm notice b",
			extra:    []Processor{NewDropMatching("npm notice")},
			expected: "",
		},
		{
			name:     "empty input",
			input:    "",
			names:    []string{ProcessorTypeTrim},
			expected: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := pc.Text(tt.input, tt.names, tt.extra...)
			if err != nil {
				t.Fatalf("Text failed: %v", err)
			}
			if result != tt.expected {
				t.Errorf("Text: got %q, want %q", result, tt.expected)
			}
		})
	}
}
