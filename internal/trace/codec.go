package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Encode writes records as JSON Lines.
func Encode(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	for _, r := range records {
		line, err := r.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encode record %d: %w", r.Ordinal, err)
		}
		bw.Write(line)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// Decode reads JSON Lines records. Blank lines are skipped.
func Decode(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	var out []Record
	for lineNo := 1; ; lineNo++ {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			rec, derr := decodeLine(line)
			if derr != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, derr)
			}
			if rec != nil {
				out = append(out, *rec)
			}
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read trace: %w", err)
		}
	}
}

func decodeLine(line []byte) (*Record, error) {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, err
	}
	if rec.Kind == "" {
		return nil, errors.New("record has no kind")
	}
	rec.raw = bytes.Clone(line)
	return &rec, nil
}
