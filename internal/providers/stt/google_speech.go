package stt

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
)

type GoogleSpeech struct {
	c *speech.Client

	Encoding speechpb.RecognitionConfig_AudioEncoding
}

// NewGoogleSpeech creates a client from a service account file, or from
// application default credentials when the path is empty.
func NewGoogleSpeech(ctx context.Context, credentialsFile string) (*GoogleSpeech, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GoogleSpeech{
		c:        c,
		Encoding: speechpb.RecognitionConfig_LINEAR16,
	}, nil
}

func (g *GoogleSpeech) Name() string { return "google" }

func (g *GoogleSpeech) Close() error { return g.c.Close() }

func (g *GoogleSpeech) Dial(ctx context.Context, opts Options) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	client, err := g.c.StreamingRecognize(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	rc := &speechpb.RecognitionConfig{
		Encoding:                   g.Encoding,
		SampleRateHertz:            int32(opts.SampleRate),
		AudioChannelCount:          int32(opts.Channels),
		LanguageCode:               normalizeLanguage(opts.Language),
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
		Model:                      opts.Model,
	}
	if opts.Diarize {
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{EnableSpeakerDiarization: true}
	}

	err = client.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         rc,
				InterimResults: opts.InterimResults,
			},
		},
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return &googleStream{client: client, cancel: cancel}, nil
}

type googleStream struct {
	client speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc

	mu sync.Mutex
}

func (s *googleStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: pcm},
	})
}

func (s *googleStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.CloseSend()
}

func (s *googleStream) Close() error {
	s.cancel()
	return nil
}

func (s *googleStream) Recv() (*Result, error) {
	for {
		resp, err := s.client.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		if st := resp.GetError(); st != nil && st.GetCode() != 0 {
			return nil, errors.New("google speech error: " + st.GetMessage())
		}
		if res := translateGoogle(resp.GetResults()); res != nil {
			return res, nil
		}
	}
}

func translateGoogle(results []*speechpb.StreamingRecognitionResult) *Result {
	if len(results) == 0 || len(results[0].GetAlternatives()) == 0 {
		return nil
	}
	r := results[0]
	alt := r.GetAlternatives()[0]
	res := &Result{
		Text:    alt.GetTranscript(),
		IsFinal: r.GetIsFinal(),
	}
	if r.GetIsFinal() {
		conf := float64(alt.GetConfidence())
		res.Confidence = &conf
	}
	if words := alt.GetWords(); len(words) > 0 {
		res.StartMS = words[0].GetStartTime().AsDuration().Milliseconds()
		end := words[len(words)-1].GetEndTime().AsDuration().Milliseconds()
		res.EndMS = &end
		if label := words[0].GetSpeakerLabel(); label != "" {
			res.Speaker = &label
		}
		res.Words = make([]string, 0, len(words))
		for _, w := range words {
			res.Words = append(res.Words, w.GetWord())
		}
	}
	return res
}

// language example: "en" -> "en-US", "id" -> "id-ID"
func normalizeLanguage(v string) string {
	v = strings.TrimSpace(v)
	switch v {
	case "id", "id-ID":
		return "id-ID"
	case "en", "en-US":
		return "en-US"
	case "tr", "tr-TR":
		return "tr-TR"
	case "ru", "ru-RU":
		return "ru-RU"
	default:
		if v == "" {
			return "en-US"
		}
		return v
	}
}
