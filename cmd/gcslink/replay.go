package main

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/gcslink/internal/protocol/dialect"
	"github.com/danmuck/gcslink/internal/protocol/packetlog"
	"github.com/danmuck/gcslink/internal/protocol/sequence"
)

type recordView struct {
	At          time.Time `json:"at" yaml:"at"`
	SystemID    uint8     `json:"system_id" yaml:"system_id"`
	ComponentID uint8     `json:"component_id" yaml:"component_id"`
	Kind        uint8     `json:"kind" yaml:"kind"`
	Sequence    uint8     `json:"sequence" yaml:"sequence"`
	Payload     string    `json:"payload" yaml:"payload"`
	Corrupt     bool      `json:"corrupt,omitempty" yaml:"corrupt,omitempty"`
}

type pairView struct {
	SystemID    uint8  `json:"system_id" yaml:"system_id"`
	ComponentID uint8  `json:"component_id" yaml:"component_id"`
	Received    uint64 `json:"received" yaml:"received"`
	Lost        uint64 `json:"lost" yaml:"lost"`
}

type replaySummary struct {
	File      string       `json:"file" yaml:"file"`
	Records   int          `json:"records" yaml:"records"`
	Corrupt   int          `json:"corrupt" yaml:"corrupt"`
	Truncated bool         `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	First     time.Time    `json:"first,omitempty" yaml:"first,omitempty"`
	Last      time.Time    `json:"last,omitempty" yaml:"last,omitempty"`
	Pairs     []pairView   `json:"pairs" yaml:"pairs"`
	Frames    []recordView `json:"frames,omitempty" yaml:"frames,omitempty"`
}

func newReplayCmd() *cobra.Command {
	var format string
	var frames bool
	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Summarize a packet log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := summarize(args[0], frames)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), format, summary)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "yaml", "output format: yaml|json")
	cmd.Flags().BoolVar(&frames, "frames", false, "include every record")
	return cmd
}

// summarize walks a packet log and reports per-pair loss.
func summarize(path string, withFrames bool) (replaySummary, error) {
	d := dialect.Common()
	rd, err := packetlog.OpenFile(path, d)
	if err != nil {
		return replaySummary{}, err
	}
	defer rd.Close()

	tracker, err := sequence.NewTracker(sequence.DefaultConfig())
	if err != nil {
		return replaySummary{}, err
	}
	out := replaySummary{File: path}
	for rec, err := range rd.All() {
		if errors.Is(err, packetlog.ErrTruncated) {
			out.Truncated = true
			break
		}
		corrupt := errors.Is(err, packetlog.ErrCorruptRecord)
		if err != nil && !corrupt {
			return replaySummary{}, err
		}
		if out.Records == 0 {
			out.First = rec.At
		}
		out.Last = rec.At
		out.Records++
		if corrupt {
			out.Corrupt++
		} else {
			tracker.Observe(rec.Frame.SystemID, rec.Frame.ComponentID, rec.Frame.Sequence)
		}
		if withFrames {
			out.Frames = append(out.Frames, recordView{
				At:          rec.At,
				SystemID:    rec.Frame.SystemID,
				ComponentID: rec.Frame.ComponentID,
				Kind:        rec.Frame.Kind,
				Sequence:    rec.Frame.Sequence,
				Payload:     hex.EncodeToString(rec.Frame.Payload),
				Corrupt:     corrupt,
			})
		}
	}
	for _, p := range tracker.Snapshot() {
		out.Pairs = append(out.Pairs, pairView{
			SystemID:    p.SystemID,
			ComponentID: p.ComponentID,
			Received:    p.Received,
			Lost:        p.Lost,
		})
	}
	return out, nil
}
