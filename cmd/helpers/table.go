package helpers

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

// PrintTable prints rows under headers without borders, left aligned.
// An empty data set prints a single notice instead of an empty table.
func PrintTable(w io.Writer, headers []string, data [][]any) {
	if len(data) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	cnf := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
	}

	symbols := tw.NewSymbolCustom("Tally").
		WithRow(" ").
		WithColumn(" ").
		WithTopLeft("").
		WithTopMid(" ").
		WithTopRight(" ").
		WithMidLeft(" ").
		WithCenter(" ").
		WithMidRight(" ").
		WithBottomLeft(" ").
		WithBottomMid(" ").
		WithBottomRight(" ")

	rd := tw.Rendition{Symbols: symbols}
	rd.Settings.Lines.ShowHeaderLine = tw.Off

	table := tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewBlueprint(rd)),
		tablewriter.WithConfig(cnf),
	)

	headerAny := make([]any, len(headers))
	for i, h := range headers {
		headerAny[i] = h
	}
	table.Header(headerAny...)
	table.Bulk(data)
	table.Render()
}
