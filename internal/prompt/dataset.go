package prompt

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// Dataset serves prompts from the non-empty lines of a file, starting at a
// seed-derived offset and cycling.
type Dataset struct {
	lines     []string
	offset    uint64
	maxTokens int
}

// LoadDataset reads filename eagerly; a run must not fail halfway through
// because of an unreadable prompt file.
func LoadDataset(filename string, maxTokens int, seed int64) (*Dataset, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file '%s': %w", filename, err)
	}

	return NewDataset(content, maxTokens, seed)
}

func NewDataset(content []byte, maxTokens int, seed int64) (*Dataset, error) {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var loaded []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			loaded = append(loaded, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan prompt file: %w", err)
	}
	if len(loaded) == 0 {
		return nil, fmt.Errorf("prompt file has no prompts")
	}

	n := uint64(len(loaded))
	return &Dataset{
		lines:     loaded,
		offset:    uint64(seed) % n,
		maxTokens: maxTokens,
	}, nil
}

func (d *Dataset) Len() int { return len(d.lines) }

func (d *Dataset) At(i uint64) Prompt {
	text := d.lines[(d.offset+i)%uint64(len(d.lines))]
	return Prompt{Text: text, MaxTokens: d.maxTokens, EstimatedTokens: EstimateTokens(text)}
}
