package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"sapiremote/pkg/sapi"
)

// answerView is an answer printed by the CLI. The payload is decoded so
// YAML output shows a document rather than raw bytes.
type answerView struct {
	ProblemID string `json:"problemId" yaml:"problemId"`
	Type      string `json:"type" yaml:"type"`
	Answer    any    `json:"answer" yaml:"answer"`
}

func newAnswerView(id string, a sapi.Answer) (answerView, error) {
	var data any
	if len(a.Data) > 0 {
		if err := json.Unmarshal(a.Data, &data); err != nil {
			return answerView{}, fmt.Errorf("decode answer of %s: %w", id, err)
		}
	}
	return answerView{ProblemID: id, Type: a.Type, Answer: data}, nil
}

// output writes data to the command output in the format chosen by --output.
func output(data any) error {
	return outputTo(rootCmd.OutOrStdout(), outputFormat, data)
}

func outputTo(w io.Writer, format string, data any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
