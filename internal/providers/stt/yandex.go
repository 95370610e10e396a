package stt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"

	speechkit "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/stt/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
)

type YandexConfig struct {
	Endpoint string
	APIKey   string
	IAMToken string
	FolderID string
}

// Yandex streams to SpeechKit v3 over a shared gRPC connection.
type Yandex struct {
	cfg    YandexConfig
	conn   *grpc.ClientConn
	client speechkit.RecognizerClient
}

func NewYandex(cfg YandexConfig) (*Yandex, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "stt.api.cloud.yandex.net:443"
	}
	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Yandex STT: %w", err)
	}
	return &Yandex{cfg: cfg, conn: conn, client: speechkit.NewRecognizerClient(conn)}, nil
}

func (y *Yandex) Name() string { return "yandex" }

func (y *Yandex) Close() error { return y.conn.Close() }

func (y *Yandex) authorization() (string, bool) {
	switch {
	case y.cfg.APIKey != "":
		return "Api-Key " + y.cfg.APIKey, true
	case y.cfg.IAMToken != "":
		return "Bearer " + y.cfg.IAMToken, true
	default:
		return "", false
	}
}

func (y *Yandex) Dial(ctx context.Context, opts Options) (Stream, error) {
	auth, ok := y.authorization()
	if !ok {
		return nil, ErrMissingCredential
	}

	md := metadata.Pairs("authorization", auth)
	if y.cfg.FolderID != "" {
		md.Append("x-folder-id", y.cfg.FolderID)
	}
	ctx, cancel := context.WithCancel(metadata.NewOutgoingContext(ctx, md))

	stream, err := y.client.RecognizeStreaming(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create streaming client: %w", err)
	}

	model := &speechkit.RecognitionModelOptions{
		Model: opts.Model,
		AudioFormat: &speechkit.AudioFormatOptions{
			AudioFormat: &speechkit.AudioFormatOptions_RawAudio{
				RawAudio: &speechkit.RawAudio{
					AudioEncoding:     speechkit.RawAudio_LINEAR16_PCM,
					SampleRateHertz:   int64(opts.SampleRate),
					AudioChannelCount: int64(opts.Channels),
				},
			},
		},
		TextNormalization: &speechkit.TextNormalizationOptions{
			TextNormalization: speechkit.TextNormalizationOptions_TEXT_NORMALIZATION_ENABLED,
		},
		LanguageRestriction: &speechkit.LanguageRestrictionOptions{
			RestrictionType: speechkit.LanguageRestrictionOptions_WHITELIST,
			LanguageCode:    []string{normalizeLanguage(opts.Language)},
		},
		AudioProcessingType: speechkit.RecognitionModelOptions_REAL_TIME,
	}

	err = stream.Send(&speechkit.StreamingRequest{
		Event: &speechkit.StreamingRequest_SessionOptions{
			SessionOptions: &speechkit.StreamingOptions{RecognitionModel: model},
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send session options: %w", err)
	}
	return &yandexStream{stream: stream, cancel: cancel}, nil
}

type yandexStream struct {
	stream speechkit.Recognizer_RecognizeStreamingClient
	cancel context.CancelFunc

	mu sync.Mutex
}

func (s *yandexStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Send(&speechkit.StreamingRequest{
		Event: &speechkit.StreamingRequest_Chunk{Chunk: &speechkit.AudioChunk{Data: pcm}},
	})
}

func (s *yandexStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.CloseSend()
}

func (s *yandexStream) Close() error {
	s.cancel()
	return nil
}

func (s *yandexStream) Recv() (*Result, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}

		var (
			update  *speechkit.AlternativeUpdate
			isFinal bool
		)
		switch {
		case resp.GetFinal() != nil:
			update, isFinal = resp.GetFinal(), true
		case resp.GetPartial() != nil:
			update = resp.GetPartial()
		default:
			continue
		}
		if res := translateYandex(update, isFinal); res != nil {
			return res, nil
		}
	}
}

func translateYandex(u *speechkit.AlternativeUpdate, isFinal bool) *Result {
	alts := u.GetAlternatives()
	if len(alts) == 0 {
		return nil
	}
	alt := alts[0]
	res := &Result{
		Text:    alt.GetText(),
		IsFinal: isFinal,
		StartMS: alt.GetStartTimeMs(),
	}
	if end := alt.GetEndTimeMs(); end > 0 {
		res.EndMS = &end
	}
	if isFinal {
		conf := alt.GetConfidence()
		res.Confidence = &conf
	}
	for _, w := range alt.GetWords() {
		res.Words = append(res.Words, w.GetText())
	}
	return res
}
