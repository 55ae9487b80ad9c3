package asr

import "context"

// Result 单条识别结果
// Final 为 false 时是中间结果，后续会被修正或替换
type Result struct {
	Text       string
	Final      bool
	Confidence float32
}

// StreamConfig 单个识别流的参数
type StreamConfig struct {
	Language       string
	SampleRate     int
	Encoding       string // linear16/flac/mulaw/ogg_opus
	Model          string
	InterimResults bool
}

// Stream 一路活跃的识别流
// Send 与 CloseSend 由同一个 goroutine 调用；Results 在流结束后关闭，
// 关闭后通过 Err 区分正常结束与异常终止
type Stream interface {
	Send(audio []byte) error
	Results() <-chan Result
	Err() error
	CloseSend() error
	Close() error
}

// Recognizer 语音识别后端
type Recognizer interface {
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
	Close() error
}
