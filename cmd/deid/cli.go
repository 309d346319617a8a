package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"phi-deid-gateway/internal/deid"
	"phi-deid-gateway/internal/detector"
	"phi-deid-gateway/internal/metrics"
)

func scrubCmd(load configLoader) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "scrub",
		Short: "Scrub fields read as JSON from a file or stdin",
		Long: `Reads either a list of {"name","text"} objects or a {"name":"text"} object
and prints the scrubbed fields and substitution map as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if file != "" {
				f, err := os.Open(file) // #nosec G304 -- path supplied by the operator
				if err != nil {
					return err
				}
				defer f.Close() //nolint:errcheck // read-only
				in = f
			}
			fields, err := readFields(in)
			if err != nil {
				return err
			}
			res, err := newEngine(cfg, metrics.New()).Scrub(cmd.Context(), fields)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read fields from this file instead of stdin")
	return cmd
}

func healthCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the Presidio analyzer and anonymizer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			report := detector.Probe(cmd.Context(), nil, cfg.PresidioAnalyzerURL, cfg.PresidioAnonymizerURL)
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Healthy() {
				return fmt.Errorf("presidio is %s", report.Presidio)
			}
			return nil
		},
	}
}

// readFields accepts a JSON array of fields or an object of name to text.
func readFields(r io.Reader) ([]deid.Field, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("no input")
	}
	if raw[0] == '{' {
		fields, err := readObjectFields(raw)
		if err != nil {
			return nil, fmt.Errorf("parse fields: %w", err)
		}
		return fields, nil
	}
	var fields []deid.Field
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse fields: %w", err)
	}
	return fields, nil
}

// readObjectFields decodes {"name":"text",...} key by key so fields keep the
// order they appear in the document. Token numbering depends on that order.
func readObjectFields(raw []byte) ([]deid.Field, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var fields []deid.Field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key %v", tok)
		}
		var text string
		if err := dec.Decode(&text); err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields = append(fields, deid.Field{Name: name, Text: text})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return fields, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
