// Package modules is the table of probe modules the engine can dispatch to.
package modules

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"probescan/internal/probe"
	"probescan/internal/probe/bacnet"
	"probescan/internal/probe/udp"
)

// ErrUnknownModule is returned by Lookup for names not in the registry.
var ErrUnknownModule = errors.New("unknown probe module")

// Default is used when no module is named.
const Default = "bacnet"

var registry = map[string]probe.Module{}

func register(m probe.Module) {
	name := m.Descriptor().Name
	if _, dup := registry[name]; dup {
		panic("modules: duplicate module " + name)
	}
	registry[name] = m
}

func init() {
	register(bacnet.New())
	register(udp.New())
}

// Lookup resolves a module by name.
func Lookup(name string) (probe.Module, error) {
	if name == "" {
		name = Default
	}
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownModule, name, strings.Join(Names(), ", "))
	}
	return m, nil
}

// Names returns the registered module names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PrintList writes one line per module.
func PrintList(w io.Writer) {
	for _, n := range Names() {
		fmt.Fprintln(w, n)
	}
}

// PrintHelp writes a module's help text and field schema.
func PrintHelp(w io.Writer, m probe.Module) {
	d := m.Descriptor()
	fmt.Fprintf(w, "%s\n\n", d.HelpText)
	PrintFields(w, m)
}

// PrintFields writes the module's output fields as an aligned table.
func PrintFields(w io.Writer, m probe.Module) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, f := range m.Descriptor().Fields {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, f.Type, f.Desc)
	}
	tw.Flush()
}
