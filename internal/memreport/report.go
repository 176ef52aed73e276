// Package memreport writes ownership-tree reports to the fault log.
package memreport

import (
	"bufio"
	"fmt"
	"io"

	"github.com/hugo-lorenzo-mato/faultline/internal/ownership"
)

// HeaderFunc writes extra lines after the report title, for example
// process memory statistics.
type HeaderFunc func(w io.Writer)

// Reporter produces memory reports. The zero value writes the bare
// ownership report.
type Reporter struct {
	Header HeaderFunc
}

// Write writes a report to w. A nil ctx reports the whole tree under the
// root context; otherwise ctx and each of its ancestors are reported in
// turn, stopping before the root.
func (r *Reporter) Write(w io.Writer, ctx *ownership.Context) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "Current state of allocated memory:")
	if r != nil && r.Header != nil {
		r.Header(bw)
	}

	if ctx == nil {
		if err := ownership.Root().ReportFull(bw); err != nil {
			return err
		}
		return bw.Flush()
	}

	root := ownership.Root()
	for level := 0; ctx != nil && ctx != root; level++ {
		fmt.Fprintf(bw, "Context level %d\n", level)
		if err := ctx.ReportFull(bw); err != nil {
			return err
		}
		ctx = ctx.Parent()
	}
	return bw.Flush()
}

// Generate writes a bare report to fd.
func Generate(fd int, ctx *ownership.Context) error {
	var r Reporter
	return r.Generate(fd, ctx)
}

// Write writes a bare report to w.
func Write(w io.Writer, ctx *ownership.Context) error {
	var r Reporter
	return r.Write(w, ctx)
}
