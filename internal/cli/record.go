package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codebuildervaibhav/meeting-recorder/internal/client"
)

func NewStartCmd(deps *Dependencies) *cobra.Command {
	var (
		req        client.StartRequest
		start, end string
	)

	cmd := &cobra.Command{
		Use:   "start MEETING_ID",
		Short: "Start recording a meeting",
		Long:  "Ask the daemon to start capturing audio for a meeting. Only one meeting records at a time.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.MeetingID = args[0]

			var err error
			if req.StartTime, err = parseTime(start); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if req.EndTime, err = parseTime(end); err != nil {
				return fmt.Errorf("--end: %w", err)
			}

			st, err := deps.Client.Start(cmd.Context(), req)
			if err != nil {
				return err
			}

			fmt.Fprintf(deps.Out, "Recording %s on %s (%s)\n", st.MeetingID, st.DeviceName, st.DeviceID)
			if !st.Transcribing {
				fmt.Fprintln(deps.Out, "Live transcription is unavailable; audio is still being captured")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&req.Title, "title", "t", "", "Meeting title")
	cmd.Flags().StringSliceVarP(&req.Attendees, "attendee", "a", nil, "Attendee name (repeatable)")
	cmd.Flags().StringVarP(&req.Device, "device", "d", "", "Input device id or name fragment")
	cmd.Flags().StringVar(&start, "start", "", "Scheduled start (RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "Scheduled end (RFC 3339)")

	return cmd
}

func NewStopCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the active recording",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := deps.Client.Stop(cmd.Context())
			if err != nil {
				return err
			}
			if !res.Stopped {
				fmt.Fprintln(deps.Out, "Nothing is recording")
				return nil
			}
			fmt.Fprintf(deps.Out, "Stopped. Audio saved to %s\n", res.ArtifactPath)
			return nil
		},
	}
}

func NewStatusCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active recording",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := deps.Client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if !st.Recording {
				fmt.Fprintln(deps.Out, "Idle")
				return nil
			}

			elapsed := time.Duration(st.ElapsedSec * float64(time.Second)).Truncate(time.Second)
			fmt.Fprintf(deps.Out, "Recording %s", st.MeetingID)
			if st.Title != "" {
				fmt.Fprintf(deps.Out, " (%s)", st.Title)
			}
			fmt.Fprintf(deps.Out, " for %s\n", elapsed)
			fmt.Fprintf(deps.Out, "  device:       %s\n", st.DeviceName)
			fmt.Fprintf(deps.Out, "  transcribing: %t\n", st.Transcribing)
			fmt.Fprintf(deps.Out, "  segments:     %d\n", st.SegmentCount)
			fmt.Fprintf(deps.Out, "  listeners:    %d\n", st.Subscribers)
			if len(st.Attendees) > 0 {
				fmt.Fprintf(deps.Out, "  attendees:    %s\n", strings.Join(st.Attendees, ", "))
			}
			if m := st.Metrics; m != nil {
				fmt.Fprintf(deps.Out, "  talk ratio:   %.2f (self %.0fs, others %.0fs)\n", m.TalkRatio, m.SelfTalkTimeSec, m.OthersTalkTimeSec)
				fmt.Fprintf(deps.Out, "  self wpm:     %.0f\n", m.SelfWpm)
			}
			return nil
		},
	}
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
