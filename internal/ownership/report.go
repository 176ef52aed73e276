package ownership

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ReportFull writes a human-readable report of c and every context it owns,
// one line per context, indented by depth.
func (c *Context) ReportFull(w io.Writer) error {
	bw := bufio.NewWriter(w)

	treeMu.Lock()
	bytes, blocks := c.totalLocked()
	fmt.Fprintf(bw, "full report on '%s' (total %6d bytes in %3d blocks)\n", c.name, bytes, blocks)
	for _, child := range c.children {
		child.reportLocked(bw, 1)
	}
	treeMu.Unlock()

	return bw.Flush()
}

func (c *Context) reportLocked(w io.Writer, depth int) {
	bytes, blocks := c.totalLocked()
	fmt.Fprintf(w, "%s%-30s contains %6d bytes in %3d blocks (%#x)\n",
		strings.Repeat("    ", depth), c.name, bytes, blocks, c.Addr())
	for _, child := range c.children {
		child.reportLocked(w, depth+1)
	}
}
