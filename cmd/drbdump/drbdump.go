// Command drbdump summarizes the contents of .drb files.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/usnistgov/digidaq/drb"
	"gonum.org/v1/gonum/stat"
)

// groupSummary accumulates what drbdump reports for one group.
type groupSummary struct {
	batches  int
	rows     int
	columns  []string
	baseline []float64 // mean of the leading samples of each waveform
	energy   []float64
}

// baselines returns the mean of the first n samples of each waveform row.
func baselines(col *drb.Column, n int) []float64 {
	data, ok := col.Data.([]uint16)
	if !ok || len(col.Shape) != 2 || col.Shape[1] == 0 {
		return nil
	}
	reclen := col.Shape[1]
	n = min(n, reclen)
	out := make([]float64, 0, col.Shape[0])
	row := make([]float64, n)
	for i := 0; i < col.Shape[0]; i++ {
		for j := 0; j < n; j++ {
			row[j] = float64(data[i*reclen+j])
		}
		out = append(out, stat.Mean(row, nil))
	}
	return out
}

func summarize(batches []*drb.Batch, nbaseline int) map[string]*groupSummary {
	groups := make(map[string]*groupSummary)
	for _, b := range batches {
		g, ok := groups[b.Group]
		if !ok {
			g = &groupSummary{}
			for _, c := range b.Columns {
				g.columns = append(g.columns, c.Name)
			}
			groups[b.Group] = g
		}
		g.batches++
		g.rows += b.Rows
		if wf := b.Column("waveform"); wf != nil {
			g.baseline = append(g.baseline, baselines(wf, nbaseline)...)
		}
		if e := b.Column("energy"); e != nil {
			if data, ok := e.Data.([]uint16); ok {
				for _, v := range data {
					g.energy = append(g.energy, float64(v))
				}
			}
		}
	}
	return groups
}

func dump(w io.Writer, fileName string, nbaseline int, verbose bool) error {
	header, batches, err := drb.ReadAll(fileName)
	if err != nil && header == nil {
		return err
	}
	info, statErr := os.Stat(fileName)
	size := uint64(0)
	if statErr == nil {
		size = uint64(info.Size())
	}
	fmt.Fprintf(w, "%s: %s %s, run %s, %s, created %s by %s\n", fileName,
		header.FileFormat, header.FileFormatVersion, header.RunID, humanize.Bytes(size),
		header.CreationTime.Format("2006-01-02 15:04:05 MST"), header.Creator)
	if verbose {
		fmt.Fprint(w, spew.Sdump(header.Attrs))
	}
	groups := summarize(batches, nbaseline)
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g := groups[name]
		fmt.Fprintf(w, "  %-6s %4d batches %8d events  columns %v\n", name, g.batches, g.rows, g.columns)
		if len(g.baseline) > 0 {
			mean, std := stat.MeanStdDev(g.baseline, nil)
			fmt.Fprintf(w, "         baseline %.2f ± %.2f\n", mean, std)
		}
		if len(g.energy) > 0 {
			mean, std := stat.MeanStdDev(g.energy, nil)
			fmt.Fprintf(w, "         energy   %.1f ± %.1f\n", mean, std)
		}
	}
	if err != nil {
		fmt.Fprintf(w, "  WARNING: %v after %d good batches\n", err, len(batches))
	}
	return err
}

func main() {
	nbaseline := pflag.IntP("baseline", "b", 50, "number of leading samples averaged for the baseline")
	verbose := pflag.BoolP("verbose", "v", false, "also print the file attributes")
	pflag.Usage = func() {
		fmt.Println("drbdump, a program to summarize digitizer record batch (.drb) files")
		fmt.Println("Usage: drbdump [options] file.drb ...")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if pflag.NArg() == 0 {
		pflag.Usage()
		os.Exit(2)
	}
	status := 0
	for _, fileName := range pflag.Args() {
		if err := dump(os.Stdout, fileName, *nbaseline, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "drbdump: %s: %v\n", fileName, err)
			status = 1
		}
	}
	os.Exit(status)
}
