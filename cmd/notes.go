package cmd

import (
	"context"
	"fmt"
	"time"

	"mixdeck/core/notes"

	"github.com/spf13/cobra"
)

var (
	notesLimit int
	notesAt    float64
)

var notesCmd = &cobra.Command{
	Use:   "notes <source>",
	Short: "解析 MIDI 音符流并打印统计",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.LoadTimeout)
		defer cancel()

		data, err := newFetcher(cfg).Fetch(ctx, args[0])
		if err != nil {
			return err
		}
		events, err := notes.ParseMIDI(data)
		if err != nil {
			return err
		}
		ix := notes.NewIndex(events)
		st := ix.Stats()
		fmt.Printf("音符数: %d\n", st.NoteCount)
		if st.NoteCount == 0 {
			return nil
		}
		first, _ := ix.Earliest()
		fmt.Printf("音高范围: %s - %s\n", pitchName(st.MinPitch), pitchName(st.MaxPitch))
		fmt.Printf("首个音符: %s\n", formatTime(first))

		list := ix.Notes()
		if cmd.Flags().Changed("at") {
			list = ix.Active(notesAt)
			fmt.Printf("\n%s 时发声的音符:\n", formatTime(notesAt))
		}
		for i, n := range list {
			if notesLimit > 0 && i >= notesLimit {
				fmt.Printf("... 还有 %d 个\n", len(list)-i)
				break
			}
			fmt.Printf("%s  %-4s ch=%-2d vel=%-3d len=%s\n",
				formatTime(n.StartTime), pitchName(n.Pitch), n.Channel, n.Velocity,
				time.Duration(n.Duration*float64(time.Second)).Round(time.Millisecond))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(notesCmd)
	notesCmd.Flags().IntVarP(&notesLimit, "limit", "l", 20, "最多打印的音符数，0 表示全部")
	notesCmd.Flags().Float64Var(&notesAt, "at", 0, "只打印该时间（秒）发声的音符")
}
