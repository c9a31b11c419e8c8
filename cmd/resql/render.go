package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/resql/resql-go/client"
	"github.com/resql/resql-go/param"
)

// result is the part of a client.ResultSet the renderer reads.
type result interface {
	ColumnCount() int
	RowCount() int
	Changes() int
	Row() *client.Row
	ResetRows()
}

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	nullColor   = color.New(color.Faint)
)

// defaultWidth is used when the terminal width is unknown.
const defaultWidth = 120

type renderer struct {
	out io.Writer

	// width is the terminal width; tables wider than this are printed
	// vertically.
	width    int
	vertical bool
}

func newRenderer(out io.Writer, width int) *renderer {
	if width <= 0 {
		width = defaultWidth
	}
	return &renderer{out: out, width: width}
}

// render prints the current statement of rs. The first pass over the rows
// measures column widths, the second prints them.
func (r *renderer) render(rs result) error {
	if rs.RowCount() == -1 {
		changes := rs.Changes()
		fmt.Fprintf(r.out, "Done. %s %s changed.\n", humanize.Comma(int64(changes)), plural(changes, "row"))
		return nil
	}

	n := rs.ColumnCount()
	if rs.RowCount() == 0 {
		fmt.Fprintln(r.out, "Done. No rows returned.")
		return nil
	}

	names := make([]string, n)
	widths := make([]int, n)
	for row := rs.Row(); row != nil; row = rs.Row() {
		for i := 0; i < n; i++ {
			col, err := row.Column(i)
			if err != nil {
				return err
			}
			names[i] = col.Name
			widths[i] = max(widths[i], len(col.Name), len(cell(col)))
		}
	}
	rs.ResetRows()

	total := 1
	for _, w := range widths {
		total += w + 3
	}

	var err error
	if r.vertical || total > r.width {
		err = r.renderVertical(rs, names)
	} else {
		err = r.renderTable(rs, names, widths)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(r.out, "%s %s.\n", humanize.Comma(int64(rs.RowCount())), plural(rs.RowCount(), "row"))
	return nil
}

func (r *renderer) renderTable(rs result, names []string, widths []int) error {
	sep := separator(widths)

	fmt.Fprintln(r.out, sep)
	for i, name := range names {
		fmt.Fprintf(r.out, "| %s ", headerColor.Sprint(pad(name, widths[i])))
	}
	fmt.Fprintln(r.out, "|")
	fmt.Fprintln(r.out, sep)

	for row := rs.Row(); row != nil; row = rs.Row() {
		for i := range names {
			col, err := row.Column(i)
			if err != nil {
				return err
			}
			fmt.Fprintf(r.out, "| %s ", styled(col, pad(cell(col), widths[i])))
		}
		fmt.Fprintln(r.out, "|")
	}
	fmt.Fprintln(r.out, sep)
	return nil
}

func (r *renderer) renderVertical(rs result, names []string) error {
	w := len("Row number")
	for _, name := range names {
		w = max(w, len(name))
	}

	num := 0
	for row := rs.Row(); row != nil; row = rs.Row() {
		fmt.Fprintf(r.out, "%s : %d\n", pad("Row number", w), num)
		num++

		for i := range names {
			col, err := row.Column(i)
			if err != nil {
				return err
			}
			fmt.Fprintf(r.out, "%s : %s\n", headerColor.Sprint(pad(col.Name, w)), styled(col, cell(col)))
		}
		fmt.Fprintln(r.out, strings.Repeat("-", 26))
	}
	return nil
}

func cell(col client.Column) string {
	switch col.Type {
	case param.TypeInteger:
		return strconv.FormatInt(col.Value.Int64(), 10)
	case param.TypeFloat:
		return strconv.FormatFloat(col.Value.Float64(), 'f', -1, 64)
	case param.TypeText:
		return col.Value.String()
	case param.TypeBlob:
		return humanize.Bytes(uint64(col.Len))
	default:
		return "null"
	}
}

func styled(col client.Column, s string) string {
	if col.Type == param.TypeNull {
		return nullColor.Sprint(s)
	}
	return s
}

func separator(widths []int) string {
	var sb strings.Builder
	for _, w := range widths {
		sb.WriteByte('+')
		sb.WriteString(strings.Repeat("-", w+2))
	}
	sb.WriteByte('+')
	return sb.String()
}

func pad(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
