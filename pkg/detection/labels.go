package detection

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Class ids of the PPE model.
const (
	ClassHelmet = 12
	ClassVest   = 16
)

// Labels maps class ids to human-readable names.
type Labels map[int]string

// DefaultLabels names the two classes the server filters for.
func DefaultLabels() Labels {
	return Labels{
		ClassHelmet: "helmet",
		ClassVest:   "vest",
	}
}

// Name returns the label for id, or "class <id>" when unknown.
func (l Labels) Name(id int) string {
	if name, ok := l[id]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("class %d", id)
}

// LoadLabels reads a labels file with one class name per line; the line
// index is the class id. Blank lines and lines starting with '#' are skipped
// without consuming an id.
func LoadLabels(path string) (Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	labels := make(Labels)
	id := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		labels[id] = line
		id++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	return labels, nil
}
