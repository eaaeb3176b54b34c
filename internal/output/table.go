package output

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// TableFormatter renders routes as an ASCII table.
type TableFormatter struct{}

// FormatRoutes renders the route listing.
func (f *TableFormatter) FormatRoutes(routes []Route) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Kind", "Path", "Module", "Policies"})

	counts := make(map[string]int)
	for _, r := range routes {
		counts[r.Kind]++
		policies := "-"
		if len(r.Policies) > 0 {
			policies = strings.Join(r.Policies, ", ")
		}
		module := r.Module
		if module == "" {
			module = "-"
		}
		t.AppendRow(table.Row{r.Kind, r.Path, module, policies})
	}

	t.AppendFooter(table.Row{
		"",
		"",
		"",
		fmt.Sprintf("%d host, %d mounted, %d upgrade", counts[KindHost], counts[KindMount], counts[KindUpgrade]),
	})

	return t.Render()
}
