package consolidate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// Issue describes one output line that yielded no records.
type Issue struct {
	File    string
	Line    int
	Message string
}

// Parsed holds records grouped by source file base name.
type Parsed struct {
	Groups  map[string][]map[string]any
	Order   []string
	Records int
	Issues  []Issue
}

func newParsed() *Parsed {
	return &Parsed{Groups: make(map[string][]map[string]any)}
}

func (p *Parsed) add(record map[string]any, source string) {
	key := GroupKey(source)
	if key == "" {
		return
	}
	if _, seen := p.Groups[key]; !seen {
		p.Order = append(p.Order, key)
	}
	p.Groups[key] = append(p.Groups[key], record)
	p.Records++
}

// ParseFiles parses every file into one grouping. Groups spanning several
// files are concatenated in file order.
func ParseFiles(paths []string) (*Parsed, error) {
	out := newParsed()
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open output: %w", err)
		}
		err = out.parse(path, f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Parse reads newline-delimited JSON from r.
func Parse(name string, r io.Reader) (*Parsed, error) {
	out := newParsed()
	if err := out.parse(name, r); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Parsed) parse(name string, r io.Reader) error {
	reader := bufio.NewReader(r)
	lineNo := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			p.parseLine(name, lineNo, line)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
	}
}

func (p *Parsed) parseLine(name string, lineNo int, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		p.Issues = append(p.Issues, Issue{File: name, Line: lineNo, Message: "decode: " + err.Error()})
		return
	}
	found := false
	Walk(doc, "", func(record map[string]any, source string) {
		found = true
		p.add(record, source)
	})
	if !found {
		p.Issues = append(p.Issues, Issue{File: name, Line: lineNo, Message: "no record with a source file"})
	}
}
