package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"mixdeck/model"
	"mixdeck/storage"
)

// trackID 从地址推导默认 ID：去掉目录与扩展名
func trackID(sourceURL string) string {
	name := sourceURL
	if storage.Scheme(sourceURL) == "file" {
		name = filepath.Base(sourceURL)
	} else {
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
		name = path.Base(name)
	}
	return strings.TrimSuffix(name, path.Ext(name))
}

// splitAssign 拆分 "id=url"；没有 id 时返回空
func splitAssign(arg string) (id, url string) {
	i := strings.Index(arg, "=")
	if i <= 0 || strings.Contains(arg[:i], "/") || strings.Contains(arg[:i], ":") {
		return "", arg
	}
	return arg[:i], arg[i+1:]
}

// parseTracks 把命令行参数转为音轨描述。
// 参数形如 "url" 或 "id=url"；notes 形如 "id=url"；muted 列出初始禁用的 ID。
func parseTracks(args, notes, muted []string) ([]model.TrackDescriptor, error) {
	var out []model.TrackDescriptor
	index := make(map[string]int)
	for _, arg := range args {
		id, url := splitAssign(arg)
		if url == "" {
			return nil, fmt.Errorf("empty source in %q", arg)
		}
		if id == "" {
			id = trackID(url)
		}
		if _, dup := index[id]; dup {
			return nil, fmt.Errorf("duplicate track id %q", id)
		}
		index[id] = len(out)
		out = append(out, model.TrackDescriptor{ID: id, SourceURL: url, DisplayName: id})
	}

	for _, n := range notes {
		id, url := splitAssign(n)
		i, ok := index[id]
		if id == "" || !ok {
			return nil, fmt.Errorf("notes %q does not name a known track", n)
		}
		out[i].NotesURL = url
	}
	for _, id := range muted {
		i, ok := index[id]
		if !ok {
			return nil, fmt.Errorf("muted track %q is not loaded", id)
		}
		out[i].Disabled = true
	}
	return out, nil
}

// readManifest 读取 JSON 格式的音轨列表（与 /api/load 请求体一致）
func readManifest(file string) ([]model.TrackDescriptor, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var req struct {
		Tracks []model.TrackDescriptor `json:"tracks"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", file, err)
	}
	return req.Tracks, nil
}
