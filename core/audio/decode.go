package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/faiface/beep"
	"github.com/faiface/beep/flac"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/vorbis"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Codec 支持的音频编码
type Codec string

const (
	CodecWAV    Codec = "wav"
	CodecMP3    Codec = "mp3"
	CodecFLAC   Codec = "flac"
	CodecVorbis Codec = "vorbis"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported audio codec")
	ErrEmptyAudio       = errors.New("decoded audio is empty")
)

// resampleQuality beep.Resample 的插值质量
const resampleQuality = 4

// Detect 先看魔数，再看扩展名
func Detect(name string, data []byte) (Codec, error) {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return CodecWAV, nil
	case len(data) >= 4 && string(data[0:4]) == "fLaC":
		return CodecFLAC, nil
	case len(data) >= 4 && string(data[0:4]) == "OggS":
		return CodecVorbis, nil
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return CodecMP3, nil
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return CodecMP3, nil
	}

	ext := strings.ToLower(path.Ext(stripQuery(name)))
	switch ext {
	case ".wav", ".wave":
		return CodecWAV, nil
	case ".mp3":
		return CodecMP3, nil
	case ".flac":
		return CodecFLAC, nil
	case ".ogg", ".oga":
		return CodecVorbis, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, name)
}

func stripQuery(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		return name[:i]
	}
	return name
}

// Decode 把编码后的字节解码成 Buffer，并重采样到 rate
func Decode(name string, data []byte, rate beep.SampleRate) (*Buffer, error) {
	codec, err := Detect(name, data)
	if err != nil {
		return nil, err
	}

	var (
		streamer beep.Streamer
		format   beep.Format
		closer   io.Closer
	)

	switch codec {
	case CodecWAV:
		streamer, format, err = decodeWAV(data)
	case CodecMP3:
		var s beep.StreamSeekCloser
		s, format, err = mp3.Decode(io.NopCloser(bytes.NewReader(data)))
		streamer, closer = s, s
	case CodecFLAC:
		var s beep.StreamSeekCloser
		s, format, err = flac.Decode(bytes.NewReader(data))
		streamer, closer = s, s
	case CodecVorbis:
		var s beep.StreamSeekCloser
		s, format, err = vorbis.Decode(io.NopCloser(bytes.NewReader(data)))
		streamer, closer = s, s
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", codec, err)
	}
	if closer != nil {
		defer closer.Close()
	}

	if format.SampleRate != rate {
		streamer = beep.Resample(resampleQuality, format.SampleRate, rate, streamer)
	}

	out := beep.NewBuffer(beep.Format{SampleRate: rate, NumChannels: 2, Precision: 2})
	out.Append(streamer)
	if err := streamer.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", codec, err)
	}
	if out.Len() == 0 {
		return nil, ErrEmptyAudio
	}
	return newBuffer(out), nil
}

// decodeWAV 使用 go-audio/wav 读取整段 PCM，统一转换成立体声浮点
func decodeWAV(data []byte) (beep.Streamer, beep.Format, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, beep.Format{}, errors.New("invalid wav file")
	}

	pcm, err := d.FullPCMBuffer()
	if err != nil {
		return nil, beep.Format{}, err
	}

	samples := pcmToStereo(pcm, int(d.BitDepth))
	format := beep.Format{
		SampleRate:  beep.SampleRate(d.SampleRate),
		NumChannels: 2,
		Precision:   int(d.BitDepth) / 8,
	}
	return &sliceStreamer{samples: samples}, format, nil
}

func pcmToStereo(pcm *goaudio.IntBuffer, bitDepth int) [][2]float64 {
	channels := 1
	if pcm.Format != nil && pcm.Format.NumChannels > 0 {
		channels = pcm.Format.NumChannels
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))
	offset := 0
	if bitDepth == 8 {
		// 8 位 WAV 是无符号采样
		offset = 128
	}

	frames := len(pcm.Data) / channels
	out := make([][2]float64, frames)
	for i := 0; i < frames; i++ {
		l := float64(pcm.Data[i*channels]-offset) / scale
		r := l
		if channels > 1 {
			r = float64(pcm.Data[i*channels+1]-offset) / scale
		}
		out[i] = [2]float64{l, r}
	}
	return out
}
