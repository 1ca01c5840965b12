// Package export writes instruction listings for operators.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kilianp07/fieldcmd/core/instruction"
)

// Format names an output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Write writes instrs to w in the given format.
func Write(w io.Writer, f Format, instrs []instruction.Instruction) error {
	switch f {
	case FormatJSON, "":
		return WriteJSON(w, instrs)
	case FormatCSV:
		return WriteCSV(w, instrs)
	default:
		return fmt.Errorf("unsupported export format %q", f)
	}
}

// WriteJSON writes the instructions as an indented JSON array.
func WriteJSON(w io.Writer, instrs []instruction.Instruction) error {
	if instrs == nil {
		instrs = []instruction.Instruction{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(instrs)
}

// WriteCSV writes one row per instruction. Parameters are rendered as
// name=value pairs joined by semicolons.
func WriteCSV(w io.Writer, instrs []instruction.Instruction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "node_id", "topic", "state", "created", "status_date", "expiration_date", "parameters"}); err != nil {
		return err
	}
	for _, in := range instrs {
		exp := ""
		if in.ExpirationDate != nil {
			exp = in.ExpirationDate.UTC().Format(time.RFC3339)
		}
		params := make([]string, 0, len(in.Parameters))
		for _, p := range in.Parameters {
			params = append(params, p.Name+"="+p.Value)
		}
		rec := []string{
			strconv.FormatInt(in.ID, 10),
			strconv.FormatInt(in.NodeID, 10),
			in.Topic,
			string(in.State),
			in.Created.UTC().Format(time.RFC3339),
			in.StatusDate.UTC().Format(time.RFC3339),
			exp,
			strings.Join(params, ";"),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
