package cmdutil

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
)

// RenderTable writes rows as a table to w. The first row is the header.
func RenderTable(w io.Writer, rows pterm.TableData) error {
	out, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	_, err = fmt.Fprintln(w, out)
	return err
}
