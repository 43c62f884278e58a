package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/satindergrewal/chordsync/internal/checkpoint"
	"github.com/satindergrewal/chordsync/internal/config"
	"github.com/satindergrewal/chordsync/internal/lesson"
	"github.com/satindergrewal/chordsync/internal/timeline"
)

var inspectStride int

func init() {
	inspectCmd.Flags().IntVar(&inspectStride, "stride", 0,
		"checkpoint stride for files without their own rule (default PRACTICE_STRIDE)")
	rootCmd.AddCommand(inspectCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <lesson.yaml|song.mid>",
	Short: "Print a chord timeline and where practice pauses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stride := inspectStride
		if stride <= 0 {
			stride = config.Load().Stride
		}
		return inspect(cmd.OutOrStdout(), args[0], stride)
	},
}

func inspect(w io.Writer, path string, stride int) error {
	var (
		spans  []timeline.ChordSpan
		policy checkpoint.Policy = checkpoint.Stride{N: stride}
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mid", ".midi":
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if spans, err = timeline.FromMIDI(f); err != nil {
			return err
		}
	default:
		l, err := lesson.LoadFile(path)
		if err != nil {
			return err
		}
		if spans, err = l.Spans(); err != nil {
			return err
		}
		policy = l.Policy(stride)
		fmt.Fprintf(w, "%s (%s)\ntrack: %s\n\n", l.Title, l.ID, l.Track)
	}

	tl, err := timeline.Load(spans)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTART\tEND\tCHORD\tPAUSE")
	pauses := 0
	for i := 0; i < tl.Len(); i++ {
		s := tl.SpanAt(i)
		mark := ""
		if policy.ShouldPause(i-1, i) {
			mark = "*"
			pauses++
		}
		fmt.Fprintf(tw, "%d\t%.2f\t%.2f\t%s\t%s\n", i, s.Start, s.End, s.Label, mark)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d chords, %d checkpoints, %.2fs\n", tl.Len(), pauses, tl.Duration())
	return nil
}
