package asr

import (
	"context"
	"errors"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GoogleRecognizer Google Cloud Speech-to-Text 流式识别
type GoogleRecognizer struct {
	client *speech.Client
}

// NewGoogleRecognizer 创建识别客户端，凭证走 GOOGLE_APPLICATION_CREDENTIALS
func NewGoogleRecognizer(ctx context.Context) (*GoogleRecognizer, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GoogleRecognizer{client: client}, nil
}

// Open 建立流式识别连接
// 首个请求必须携带配置，之后才能发送音频
func (r *GoogleRecognizer) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	sc, err := r.client.StreamingRecognize(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	configReq := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   mapEncoding(cfg.Encoding),
					SampleRateHertz:            int32(cfg.SampleRate),
					LanguageCode:               cfg.Language,
					Model:                      cfg.Model,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: cfg.InterimResults,
			},
		},
	}
	if err := sc.Send(configReq); err != nil {
		cancel()
		return nil, err
	}

	gs := &googleStream{
		sc:      sc,
		cancel:  cancel,
		results: make(chan Result, 16),
	}
	go gs.recvLoop()
	return gs, nil
}

// Close 关闭底层客户端
func (r *GoogleRecognizer) Close() error {
	return r.client.Close()
}

type googleStream struct {
	sc     speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc

	results chan Result

	mu  sync.Mutex
	err error
}

func (s *googleStream) Send(audio []byte) error {
	return s.sc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

func (s *googleStream) Results() <-chan Result {
	return s.results
}

func (s *googleStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *googleStream) CloseSend() error {
	return s.sc.CloseSend()
}

func (s *googleStream) Close() error {
	s.cancel()
	return nil
}

// recvLoop 单 goroutine 读取识别结果并转发
// 流终止后关闭 results，错误记录在 err
func (s *googleStream) recvLoop() {
	defer close(s.results)

	for {
		resp, err := s.sc.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// ctx 取消和音频超时都是主动关闭，不算失败
			switch status.Code(err) {
			case codes.Canceled, codes.OutOfRange:
				return
			}
			s.setErr(err)
			log.Warn().Err(err).Msg("speech recognition stream failed")
			return
		}

		if resp.Error != nil {
			s.setErr(status.ErrorProto(resp.Error))
			log.Warn().Int32("code", resp.Error.Code).Str("message", resp.Error.Message).
				Msg("speech recognition reported error")
			return
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			alt := result.Alternatives[0]
			if alt.Transcript == "" {
				continue
			}
			s.results <- Result{
				Text:       alt.Transcript,
				Final:      result.IsFinal,
				Confidence: alt.Confidence,
			}
		}
	}
}

func (s *googleStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func mapEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "flac":
		return speechpb.RecognitionConfig_FLAC
	case "mulaw":
		return speechpb.RecognitionConfig_MULAW
	case "ogg_opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
