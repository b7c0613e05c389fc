package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"mixdeck/core/playback"
	"mixdeck/model"

	"github.com/chzyer/readline"
)

const consoleHelp = `命令:
  play | pause | stop | toggle     播放控制
  seek <秒>                       跳转
  on <id> | off <id>              启用或禁用音轨
  vol <id> <增益>                 设置音量，1 为原始音量
  tracks                          列出音轨
  notes <id>                      当前时间发声的音符
  status                          时间轴状态
  reload                          重新加载全部音轨
  help | quit`

// console 交互式控制台，命令直接映射到协调器
type console struct {
	coord  *playback.Coordinator
	tracks []model.TrackDescriptor
	out    io.Writer
}

func (c *console) completer() *readline.PrefixCompleter {
	ids := make([]readline.PrefixCompleterInterface, 0, len(c.tracks))
	for _, t := range c.tracks {
		ids = append(ids, readline.PcItem(t.ID))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("play"),
		readline.PcItem("pause"),
		readline.PcItem("stop"),
		readline.PcItem("toggle"),
		readline.PcItem("seek"),
		readline.PcItem("on", ids...),
		readline.PcItem("off", ids...),
		readline.PcItem("vol", ids...),
		readline.PcItem("notes", ids...),
		readline.PcItem("tracks"),
		readline.PcItem("status"),
		readline.PcItem("reload"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// load 加载音轨并打印被跳过的音轨
func (c *console) load(ctx context.Context) error {
	res, err := c.coord.Load(ctx, c.tracks)
	if res != nil {
		for _, f := range res.Failures {
			fmt.Fprintf(c.out, "跳过 %s\n", f.Error())
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "已加载 %d 条音轨，时长 %s，起点 %s\n",
		res.Loaded(), formatTime(c.coord.Duration()), formatTime(c.coord.StartOffset()))
	return nil
}

// exec 执行一行命令，返回 true 表示退出
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch cmd, args := fields[0], fields[1:]; cmd {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
	case "play":
		err = c.coord.Play()
	case "pause":
		err = c.coord.Pause()
	case "stop":
		err = c.coord.Stop()
	case "toggle", "t":
		err = c.coord.TogglePlay()
	case "seek":
		if len(args) != 1 {
			err = fmt.Errorf("用法: seek <秒>")
			break
		}
		var t float64
		if t, err = strconv.ParseFloat(args[0], 64); err == nil {
			err = c.coord.SeekTo(t)
		}
	case "on", "off":
		if len(args) != 1 {
			err = fmt.Errorf("用法: %s <id>", cmd)
			break
		}
		err = c.coord.ToggleTrack(args[0], cmd == "on")
	case "vol":
		if len(args) != 2 {
			err = fmt.Errorf("用法: vol <id> <增益>")
			break
		}
		var g float64
		if g, err = strconv.ParseFloat(args[1], 64); err == nil {
			err = c.coord.SetTrackVolume(args[0], g)
		}
	case "tracks":
		c.printTracks()
	case "notes":
		if len(args) != 1 {
			err = fmt.Errorf("用法: notes <id>")
			break
		}
		c.printNotes(args[0])
	case "status":
		c.printStatus()
	case "reload":
		err = c.load(ctx)
	default:
		err = fmt.Errorf("未知命令 %q，输入 help 查看帮助", cmd)
	}

	if err != nil {
		fmt.Fprintf(c.out, "错误: %v\n", err)
	}
	return false
}

func (c *console) printStatus() {
	tr := c.coord.Transport()
	fmt.Fprintf(c.out, "%s  %s / %s  enabled=%v\n",
		c.coord.State(), formatTime(tr.CurrentTime), formatTime(tr.Duration), c.coord.EnabledTracks())
}

func (c *console) printTracks() {
	for _, t := range c.coord.Tracks() {
		mark := " "
		if t.Enabled {
			mark = "*"
		}
		fmt.Fprintf(c.out, "%s %-12s %-24s vol=%.2f len=%s notes=%d\n",
			mark, t.ID, t.DisplayName, t.VolumeGain, formatTime(t.Duration), t.Notes.NoteCount)
	}
}

func (c *console) printNotes(id string) {
	now := c.coord.CurrentTime()
	active := c.coord.Notes().ActiveNotes(id, now)
	if len(active) == 0 {
		fmt.Fprintf(c.out, "%s @ %s: -\n", id, formatTime(now))
		return
	}
	names := make([]string, len(active))
	for i, n := range active {
		names[i] = pitchName(n.Pitch)
	}
	fmt.Fprintf(c.out, "%s @ %s: %s\n", id, formatTime(now), strings.Join(names, " "))
}

func formatTime(sec float64) string {
	m := int(sec) / 60
	return fmt.Sprintf("%d:%06.3f", m, sec-float64(m*60))
}

var pitchClasses = [...]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// pitchName MIDI 音高转音名，60 为 C4
func pitchName(p int) string {
	if p < 0 {
		return strconv.Itoa(p)
	}
	return pitchClasses[p%12] + strconv.Itoa(p/12-1)
}
