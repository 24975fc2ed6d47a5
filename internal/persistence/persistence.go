// Package persistence writes reports and other documents to files, with support
// for different serialization formats.
package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	indent = "  " // Default indentation for JSON output
	prefix = ""   // Default prefix for JSON output
)

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	b, err := json.MarshalIndent(data, s.Prefix, s.Indent)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

type YAMLSerializer struct {
	Indent int
}

func (s YAMLSerializer) Marshal(data any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if s.Indent > 0 {
		enc.SetIndent(s.Indent)
	}
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SerializerFor maps "json" and "yaml" (or "yml") to a serializer.
func SerializerFor(format string) (Serializer, error) {
	switch strings.ToLower(format) {
	case "json", "":
		return JSONSerializer{Prefix: prefix, Indent: indent}, nil
	case "yaml", "yml":
		return YAMLSerializer{Indent: 2}, nil
	default:
		return nil, fmt.Errorf("unsupported format %q, want json or yaml", format)
	}
}

// FormatFromPath guesses the format from the file extension, defaulting to json.
func FormatFromPath(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// FileWriter writes through a temporary file so readers never see a partial
// document. Reports can hold command output, so files are private by default.
type FileWriter struct {
	Overwrite bool
	Mode      os.FileMode
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	mode := w.Mode
	if mode == 0 {
		mode = 0o600
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, filename); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// StreamWriter ignores the filename and writes to W, e.g. stdout for "-".
type StreamWriter struct {
	W io.Writer
}

func (w StreamWriter) Write(_ string, data []byte) error {
	_, err := w.W.Write(data)
	return err
}

// WriteToFile serializes data and hands the bytes to writer.
func WriteToFile(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return fmt.Errorf("invalid filename: %w", os.ErrInvalid)
	}

	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// WriteFile persists data to filename, in the format its extension names,
// overwriting what is there. "-" writes to stdout.
func WriteFile(data any, filename, format string) error {
	return WriteFileOrStream(data, filename, format, os.Stdout)
}

// WriteFileOrStream is WriteFile with "-" written to stdout instead of os.Stdout.
func WriteFileOrStream(data any, filename, format string, stdout io.Writer) error {
	if format == "" {
		format = FormatFromPath(filename)
	}
	serializer, err := SerializerFor(format)
	if err != nil {
		return err
	}
	var writer Writer = FileWriter{Overwrite: true}
	if filename == "-" {
		writer = StreamWriter{W: stdout}
	}
	return WriteToFile(data, filename, serializer, writer)
}
