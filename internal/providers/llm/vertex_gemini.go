package llm

import (
	"context"
	"errors"

	vertexgenai "cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/iterator"
)

const DefaultVertexModel = "gemini-1.5-flash"

type VertexConfig struct {
	Project     string
	Location    string
	Model       string
	Instruction string // system instruction, optional
	MaxTokens   int32
	Temperature float32
}

type VertexGemini struct {
	client *vertexgenai.Client
	model  *vertexgenai.GenerativeModel
}

func NewVertexGemini(ctx context.Context, cfg VertexConfig) (*VertexGemini, error) {
	if cfg.Project == "" {
		return nil, errors.New("llm: vertex project is required")
	}
	c, err := vertexgenai.NewClient(ctx, cfg.Project, cfg.Location)
	if err != nil {
		return nil, err
	}

	name := cfg.Model
	if name == "" {
		name = DefaultVertexModel
	}
	m := c.GenerativeModel(name)
	if cfg.Instruction != "" {
		m.SystemInstruction = &vertexgenai.Content{Parts: []vertexgenai.Part{vertexgenai.Text(cfg.Instruction)}}
	}
	if cfg.MaxTokens > 0 {
		m.SetMaxOutputTokens(cfg.MaxTokens)
	}
	if cfg.Temperature > 0 {
		m.SetTemperature(cfg.Temperature)
	}
	return &VertexGemini{client: c, model: m}, nil
}

func (v *VertexGemini) Close() error { return v.client.Close() }

func (v *VertexGemini) StreamAnswer(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	out := make(chan string, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		it := v.model.GenerateContentStream(ctx, vertexgenai.Text(prompt))
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				errs <- err
				return
			}

			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if t, ok := part.(vertexgenai.Text); ok && string(t) != "" {
						select {
						case out <- string(t):
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()

	return out, errs
}
