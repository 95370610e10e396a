package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yoockh/meetstream/internal/models"
	"github.com/yoockh/meetstream/internal/utils"
)

// parseHandshake decodes and validates the first ingest message. Every field
// problem is reported, joined with "; ".
func parseHandshake(raw []byte, want models.Source, sampleRate, channels int) (*models.Handshake, error) {
	const op = "ingest.parseHandshake"

	var hs models.Handshake
	if err := json.Unmarshal(raw, &hs); err != nil {
		return nil, utils.E(utils.CodeProtocol, op, "handshake must be a JSON object", err)
	}

	var problems []string
	if hs.Type != models.TypeHandshake {
		problems = append(problems, fmt.Sprintf("type must be %q", models.TypeHandshake))
	}
	if strings.TrimSpace(hs.DeviceID) == "" {
		problems = append(problems, "device_id is required")
	}
	// the query parameter may say "system"; the handshake must be canonical
	if src := models.Source(hs.Source); !src.Valid() || src != want {
		problems = append(problems, fmt.Sprintf("source must be %q", want))
	}
	switch {
	case hs.SampleRate == nil:
		problems = append(problems, "sample_rate is required")
	case *hs.SampleRate != sampleRate:
		problems = append(problems, fmt.Sprintf("sample_rate must be %d", sampleRate))
	}
	switch {
	case hs.Channels == nil:
		problems = append(problems, "channels is required")
	case *hs.Channels != channels:
		problems = append(problems, fmt.Sprintf("channels must be %d", channels))
	}

	if len(problems) > 0 {
		return nil, utils.E(utils.CodeProtocol, op, strings.Join(problems, "; "), nil)
	}
	return &hs, nil
}
