package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yoockh/meetstream/config"
	"github.com/yoockh/meetstream/internal/models"
)

const (
	handshakeWait = 10 * time.Second
	drainWait     = 15 * time.Second
)

func NewSubscribeCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <meeting-id>",
		Short: "Print transcript and tip messages of a meeting as they arrive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireToken(deps); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			conn, err := dial(ctx, deps, "/api/v1/ws/meetings/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			defer conn.Close()

			go func() {
				<-ctx.Done()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
			}()
			return printFrames(ctx, deps, conn)
		},
	}
}

type sendOptions struct {
	source     string
	deviceID   string
	sampleRate int
	channels   int
	frame      time.Duration
	noPace     bool
}

func NewSendPCMCmd(deps *Dependencies) *cobra.Command {
	opts := sendOptions{}

	cmd := &cobra.Command{
		Use:   "send-pcm <meeting-id> <file>",
		Short: "Stream a 16-bit PCM or WAV file into a meeting, then finalize",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireToken(deps); err != nil {
				return err
			}
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			pcm, err := stripWAVHeader(raw)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return sendPCM(ctx, deps, args[0], pcm, opts)
		},
	}

	cmd.Flags().StringVar(&opts.source, "source", string(models.SourceMic), "audio source: mic or sys")
	cmd.Flags().StringVar(&opts.deviceID, "device-id", "meetctl", "device_id sent in the handshake")
	cmd.Flags().IntVar(&opts.sampleRate, "sample-rate", config.DefaultSampleRate, "sample rate in Hz")
	cmd.Flags().IntVar(&opts.channels, "channels", config.DefaultChannels, "channel count")
	cmd.Flags().DurationVar(&opts.frame, "frame", 100*time.Millisecond, "audio duration per binary frame")
	cmd.Flags().BoolVar(&opts.noPace, "no-pace", false, "send frames as fast as possible")

	return cmd
}

func sendPCM(ctx context.Context, deps *Dependencies, meetingID string, pcm []byte, opts sendOptions) error {
	source, ok := models.ParseSource(opts.source)
	if !ok {
		return fmt.Errorf("source must be mic or sys, got %q", opts.source)
	}
	frameBytes := frameSize(opts.sampleRate, opts.channels, opts.frame)
	if frameBytes <= 0 {
		return errors.New("frame duration too short for the sample rate")
	}

	conn, err := dial(ctx, deps, "/api/v1/ws/ingest/meetings/"+url.PathEscape(meetingID),
		url.Values{"source": {string(source)}})
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := handshake(conn, source, opts); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- printFrames(ctx, deps, conn) }()

	log := deps.Log.WithFields(logrus.Fields{"meeting_id": meetingID, "source": source})
	start := time.Now()
	frames := splitFrames(pcm, frameBytes)
	ticker := time.NewTicker(opts.frame)
	defer ticker.Stop()

	for i, f := range frames {
		if err := conn.WriteMessage(websocket.BinaryMessage, f); err != nil {
			return fmt.Errorf("send frame %d: %w", i, err)
		}
		if opts.noPace {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return err
		case <-ticker.C:
		}
	}
	log.WithFields(logrus.Fields{
		"frames":   len(frames),
		"bytes":    len(pcm),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("audio sent, finalizing")

	if err := conn.WriteJSON(models.ControlMessage{Type: models.TypeFinalize}); err != nil {
		return fmt.Errorf("send finalize: %w", err)
	}

	select {
	case err := <-done:
		return err
	case <-time.After(drainWait):
		return errors.New("server did not close the stream after finalize")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func handshake(conn *websocket.Conn, source models.Source, opts sendOptions) error {
	rate, channels := opts.sampleRate, opts.channels
	if err := conn.WriteJSON(models.Handshake{
		Type:       models.TypeHandshake,
		DeviceID:   opts.deviceID,
		Source:     string(source),
		SampleRate: &rate,
		Channels:   &channels,
	}); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("handshake rejected: %w", err)
	}
	var ack models.HandshakeAck
	if err := json.Unmarshal(data, &ack); err != nil || ack.Type != models.TypeHandshakeAck || !ack.OK {
		var e models.ErrorMessage
		if json.Unmarshal(data, &e) == nil && e.Type == models.TypeError {
			return fmt.Errorf("handshake rejected: %s (%s)", e.Message, e.Code)
		}
		return fmt.Errorf("unexpected handshake reply %s", data)
	}
	return nil
}

func dial(ctx context.Context, deps *Dependencies, path string, query url.Values) (*websocket.Conn, error) {
	target, err := endpoint(deps.Server, path, true, query)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+deps.Token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s", target, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

// printFrames writes every text frame to deps.Out until the server closes.
// A normal or going-away close ends without error.
func printFrames(ctx context.Context, deps *Dependencies, conn *websocket.Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				deps.Log.WithFields(logrus.Fields{"code": ce.Code, "reason": ce.Text}).Info("connection closed")
				if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway {
					return nil
				}
				return fmt.Errorf("closed with %d: %s", ce.Code, ce.Text)
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if mt != websocket.TextMessage {
			continue
		}
		if _, err := fmt.Fprintln(deps.Out, string(bytes.TrimSpace(data))); err != nil {
			return err
		}
	}
}

func frameSize(sampleRate, channels int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * channels * 2
}

func splitFrames(pcm []byte, size int) [][]byte {
	var out [][]byte
	for len(pcm) > 0 {
		n := min(size, len(pcm))
		out = append(out, pcm[:n])
		pcm = pcm[n:]
	}
	return out
}

// stripWAVHeader returns the data chunk of a RIFF/WAVE file, or raw unchanged
// when it is not one.
func stripWAVHeader(raw []byte) ([]byte, error) {
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return raw, nil
	}
	pos := 12
	for pos+8 <= len(raw) {
		id := string(raw[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(raw[pos+4 : pos+8]))
		body := pos + 8
		if id == "data" {
			end := min(body+size, len(raw))
			return raw[body:end], nil
		}
		pos = body + size + size%2
	}
	return nil, errors.New("wav file has no data chunk")
}
