package storage

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// RecordInput holds the fields entered for a new or edited record.
type RecordInput struct {
	Title    string
	Content  string
	Category string
}

// PromptForRecord reads title, category and content from in. Content may be
// loaded from a file by answering the content prompt with @path.
func PromptForRecord(in io.Reader, out io.Writer, readFile func(string) ([]byte, error)) (RecordInput, error) {
	scanner := bufio.NewScanner(in)
	ask := func(label string) string {
		fmt.Fprint(out, label)
		if !scanner.Scan() {
			return ""
		}
		return strings.TrimSpace(scanner.Text())
	}

	var ri RecordInput
	ri.Title = ask("Enter title: ")
	ri.Category = ask("Enter category: ")
	content := ask("Enter content (or @file): ")
	if err := scanner.Err(); err != nil {
		return RecordInput{}, err
	}

	if path, ok := strings.CutPrefix(content, "@"); ok && path != "" {
		data, err := readFile(path)
		if err != nil {
			return RecordInput{}, fmt.Errorf("read %q: %w", path, err)
		}
		content = string(data)
	}
	ri.Content = content
	return ri, nil
}
