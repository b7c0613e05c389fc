package model

// 失败阶段
const (
	StageFetch   = "fetch"
	StageDecode  = "decode"
	StageNotes   = "notes"
	StageTimeout = "timeout"
	StagePlay    = "play"
	StageInvalid = "invalid"
)

// LoadFailure 记录一个被跳过的音轨及原因
type LoadFailure struct {
	Descriptor TrackDescriptor `json:"descriptor"`
	Stage      string          `json:"stage"`
	Err        error           `json:"-"`
	Message    string          `json:"error"`
}

// NewLoadFailure 构造失败记录，Message 供 JSON 输出
func NewLoadFailure(d TrackDescriptor, stage string, err error) LoadFailure {
	f := LoadFailure{Descriptor: d, Stage: stage, Err: err}
	if err != nil {
		f.Message = err.Error()
	}
	return f
}

func (f LoadFailure) Error() string {
	return f.Stage + " " + f.Descriptor.ID + " (" + f.Descriptor.SourceURL + "): " + f.Message
}
