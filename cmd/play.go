package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"mixdeck/core/playback"
	"mixdeck/model"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var (
	playNotes     []string
	playMuted     []string
	playManifest  string
	playAutostart bool
)

var playCmd = &cobra.Command{
	Use:   "play [id=]source...",
	Short: "在终端中同步播放多条音轨",
	Long: `加载所有音轨后进入交互式控制台。source 可以是本地路径、file://、http(s):// 或 s3:// 地址，
加载失败的音轨会被跳过。`,
	Example: `  mixdeck play drums=./stems/drums.wav bass=./stems/bass.flac --notes bass=./stems/bass.mid
  mixdeck play --manifest song.json --autostart`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tracks, err := parseTracks(args, playNotes, playMuted)
		if err != nil {
			return err
		}
		if playManifest != "" {
			more, err := readManifest(playManifest)
			if err != nil {
				return err
			}
			tracks = append(tracks, more...)
		}
		if len(tracks) == 0 {
			return errors.New("no tracks given")
		}

		e, err := newEngine(cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		home, _ := os.UserHomeDir()
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          "mixdeck> ",
			HistoryFile:     filepath.Join(home, ".mixdeck_history"),
			InterruptPrompt: "^C",
			EOFPrompt:       "quit",
		})
		if err != nil {
			return err
		}
		defer rl.Close()

		c := &console{coord: e.coord, tracks: tracks, out: rl.Stdout()}
		rl.Config.AutoComplete = c.completer()

		// 只打印，不在监听器里调用协调器命令
		unsubscribe := e.coord.Subscribe(func(ev playback.Event) {
			switch ev.Type {
			case playback.EventEnded:
				fmt.Fprintf(c.out, "\n播放结束 %s\n", formatTime(ev.Time))
				rl.Refresh()
			case playback.EventDiagnostic:
				if ev.Failure != nil && ev.Failure.Stage == model.StagePlay {
					fmt.Fprintf(c.out, "\n%s\n", ev.Failure.Error())
					rl.Refresh()
				}
			}
		})
		defer unsubscribe()

		ctx := context.Background()
		if err := c.load(ctx); err != nil {
			return err
		}
		if playAutostart {
			c.exec(ctx, "play")
		}
		fmt.Fprintln(c.out, "输入 help 查看命令")

		for {
			line, err := rl.Readline()
			if err == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if err == io.EOF {
				break
			}
			if c.exec(ctx, line) {
				break
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(playCmd)
	playCmd.Flags().StringArrayVarP(&playNotes, "notes", "n", nil, "为音轨指定 MIDI 音符流，格式 id=source")
	playCmd.Flags().StringArrayVarP(&playMuted, "mute", "m", nil, "初始禁用的音轨 ID")
	playCmd.Flags().StringVarP(&playManifest, "manifest", "f", "", "JSON 音轨列表，格式同 /api/load")
	playCmd.Flags().BoolVar(&playAutostart, "autostart", false, "加载完成后立即播放")
}
