package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/codebuildervaibhav/meeting-recorder/internal/client"
	"github.com/codebuildervaibhav/meeting-recorder/internal/storage"
	"github.com/codebuildervaibhav/meeting-recorder/internal/types"
)

func NewDevicesCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices the daemon can see",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := deps.Client.Devices(cmd.Context())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(deps.Out, "No input devices found")
				return nil
			}

			w := tabwriter.NewWriter(deps.Out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTRANSPORT\tDEFAULT")
			for _, d := range devices {
				def := ""
				if d.IsDefault {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Transport, def)
			}
			return w.Flush()
		},
	}
}

func NewSessionsCmd(deps *Dependencies) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions [MEETING_ID]",
		Short: "List recorded sessions, or print one session's transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				artifact, err := deps.Client.Session(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printArtifact(deps, artifact)
				return nil
			}

			sessions, err := deps.Client.Sessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(deps.Out, "No sessions recorded yet")
				return nil
			}

			w := tabwriter.NewWriter(deps.Out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MEETING\tSTARTED\tDURATION\tSEGMENTS\tPOST-PROCESS")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					s.MeetingID,
					s.StartedAt.Local().Format("2006-01-02 15:04"),
					s.EndedAt.Sub(s.StartedAt).Round(time.Second),
					s.SegmentCount,
					s.PostprocessStatus)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of sessions to list")
	return cmd
}

func printArtifact(deps *Dependencies, a *storage.LiveArtifact) {
	fmt.Fprintf(deps.Out, "%s %s\n", a.MeetingID, a.Title)
	fmt.Fprintf(deps.Out, "%s - %s\n\n", a.StartTime.Local().Format("2006-01-02 15:04"), a.EndTime.Local().Format("15:04"))
	for _, seg := range a.Segments {
		printSegment(deps, seg)
	}
	m := a.FinalMetrics
	fmt.Fprintf(deps.Out, "\n%d segments, talk ratio %.2f, self %.0f wpm, silence %.0f%%\n",
		m.SegmentCount, m.TalkRatio, m.SelfWpm, m.SilenceRatio*100)
}

func printSegment(deps *Dependencies, seg types.Segment) {
	fmt.Fprintf(deps.Out, "[%7.1fs] %-6s %s\n", seg.Start, seg.Speaker, seg.Text)
}

func NewTailCmd(deps *Dependencies) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the live transcript of the active recording",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return deps.Client.Tail(ctx, func(ev client.Event) error {
				if raw {
					fmt.Fprintf(deps.Out, "%s %s\n", ev.Type, ev.Data)
					return nil
				}
				return printEvent(deps, ev)
			})
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Print event type and JSON payload as received")
	return cmd
}

func printEvent(deps *Dependencies, ev client.Event) error {
	switch ev.Type {
	case types.EventStatus, types.EventStopped:
		var st struct {
			State        string `json:"state"`
			MeetingID    string `json:"meetingId"`
			SegmentCount int    `json:"segmentCount"`
		}
		if err := json.Unmarshal(ev.Data, &st); err != nil {
			return fmt.Errorf("decode %s event: %w", ev.Type, err)
		}
		switch st.State {
		case types.StateIdle:
			fmt.Fprintln(deps.Out, "Nothing is recording")
		case types.StateStopped:
			fmt.Fprintf(deps.Out, "-- %s stopped after %d segments\n", st.MeetingID, st.SegmentCount)
		default:
			fmt.Fprintf(deps.Out, "-- following %s\n", st.MeetingID)
		}
	case types.EventSegment:
		var seg types.Segment
		if err := json.Unmarshal(ev.Data, &seg); err != nil {
			return fmt.Errorf("decode segment: %w", err)
		}
		printSegment(deps, seg)
	}
	return nil
}
