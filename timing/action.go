package timing

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"
)

type (
	listEntry struct {
		Unit    string
		Seconds float64
	}
)

// ActionShow lists a timing store as yaml, slowest units first.
func ActionShow(context *cli.Context) error {
	store := Load(context.String("input"))

	entries := []*listEntry{}
	for name, d := range store.Snapshot() {
		entries = append(entries, &listEntry{Unit: name, Seconds: d})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Seconds != entries[j].Seconds {
			return entries[i].Seconds > entries[j].Seconds
		}
		return entries[i].Unit < entries[j].Unit
	})

	var out io.Writer = os.Stdout

	outFilePath := context.String("output")
	if outFilePath != "" {
		outFile, err := os.Create(outFilePath)
		if err != nil {
			return fmt.Errorf("os.Create failed: %w", err)
		}
		defer outFile.Close()

		out = outFile
	}

	if err := yaml.NewEncoder(out).Encode(entries); err != nil {
		return fmt.Errorf("yaml.Encoder.Encode failed: %w", err)
	}
	return nil
}

// ActionMerge unions any number of stores into one file; later inputs win.
func ActionMerge(context *cli.Context) error {
	if context.NArg() == 0 {
		return fmt.Errorf("no input stores were specified")
	}

	merged := NewStore()
	for _, path := range context.Args().Slice() {
		merged.Merge(Load(path))
	}

	if err := merged.Save(context.String("output")); err != nil {
		return fmt.Errorf("store.Save failed: %w", err)
	}

	fmt.Printf("merged %v stores into %v (%v units)\n", context.NArg(), context.String("output"), merged.Len())
	return nil
}

// ActionFilter keeps only units at or above a duration threshold.
func ActionFilter(context *cli.Context) error {
	store := Load(context.String("input"))
	filtered := store.Filter(context.Float64("min"))

	if err := filtered.Save(context.String("output")); err != nil {
		return fmt.Errorf("store.Save failed: %w", err)
	}

	fmt.Printf("kept %v of %v units\n", filtered.Len(), store.Len())
	return nil
}
