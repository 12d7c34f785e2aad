package output

import (
	"fmt"
	"io"
	"sort"

	"github.com/pterm/pterm"

	"github.com/mikey-austin/upnp_bridge/internal/registry"
)

// HumanPrinter prints tables.
type HumanPrinter struct {
	Out io.Writer
}

// Print renders human output.
func (p HumanPrinter) Print(v any) error {
	switch data := v.(type) {
	case []registry.Discovery:
		return p.printDiscoveries(data)
	case string:
		_, err := fmt.Fprintln(p.Out, data)
		return err
	default:
		_, err := fmt.Fprintln(p.Out, "ok")
		return err
	}
}

func (p HumanPrinter) printDiscoveries(found []registry.Discovery) error {
	if len(found) == 0 {
		_, err := fmt.Fprintln(p.Out, "no renderers found")
		return err
	}
	rows := make([]registry.Discovery, len(found))
	copy(rows, found)
	sort.Slice(rows, func(i, j int) bool { return rows[i].USN < rows[j].USN })

	data := pterm.TableData{{"USN", "ADDRESS", "LOCATION", "SERVER"}}
	seen := map[string]bool{}
	for _, d := range rows {
		usn := registry.StripUSN(d.USN)
		if seen[usn] {
			continue
		}
		seen[usn] = true
		data = append(data, []string{usn, d.Addr, d.Location, d.Server})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.Out, table)
	return err
}
