// convai-probe checks an agent end to end without a phone call: it issues a
// signed URL, opens the agent websocket, sends one chunk of μ-law silence and
// prints what the agent says back. Agent audio is saved as a μ-law WAV file.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"github.com/vango-go/callbridge/internal/dotenv"
	"github.com/vango-go/callbridge/pkg/convai"
	"github.com/vango-go/callbridge/pkg/gateway/relay/protocol"
	"github.com/vango-go/callbridge/pkg/gateway/relay/session"
	"github.com/vango-go/callbridge/pkg/gateway/relay/translate"
)

const (
	// Stands in for the telephony stream id so agent audio translates the
	// same way it does inside the bridge.
	probeStreamSID = "probe"

	silenceChunkBytes = 320
	mulawSilence      = 0xFF
)

type options struct {
	agentID  string
	apiKey   string
	apiBase  string
	out      string
	duration time.Duration
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	opts := options{}
	flagSet := pflag.NewFlagSet("convai-probe", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.agentID, "agent-id", os.Getenv("ELEVENLABS_AGENT_ID"), "agent identifier (default $ELEVENLABS_AGENT_ID)")
	flagSet.StringVar(&opts.apiKey, "api-key", os.Getenv("ELEVENLABS_API_KEY"), "provider API key (default $ELEVENLABS_API_KEY)")
	flagSet.StringVar(&opts.apiBase, "api-base", convai.DefaultBaseURL, "issuance API base URL")
	flagSet.StringVarP(&opts.out, "out", "o", "probe.wav", "write agent audio to this WAV file (empty disables)")
	flagSet.DurationVarP(&opts.duration, "duration", "d", 20*time.Second, "stop listening after this long")

	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	opts.agentID = strings.TrimSpace(opts.agentID)
	opts.apiKey = strings.TrimSpace(opts.apiKey)
	if opts.agentID == "" {
		return options{}, errors.New("--agent-id or ELEVENLABS_AGENT_ID is required")
	}
	if opts.apiKey == "" {
		return options{}, errors.New("--api-key or ELEVENLABS_API_KEY is required")
	}
	if opts.duration <= 0 {
		return options{}, errors.New("--duration must be > 0")
	}
	return opts, nil
}

type probe struct {
	issuer session.Issuer
	dialer session.AgentDialer
	stdout io.Writer

	format protocol.AudioFormat
	audio  bytes.Buffer
}

// run drives one agent conversation until the agent closes or ctx ends.
func (p *probe) run(ctx context.Context, agentID string) error {
	signed, err := p.issuer.IssueSignedURL(ctx, agentID)
	if err != nil {
		return fmt.Errorf("get signed url: %w", err)
	}
	conn, err := p.dialer.Dial(ctx, signed.String())
	if err != nil {
		return fmt.Errorf("connect agent: %w", err)
	}
	defer conn.Close()

	p.format = protocol.DefaultAudioFormat()
	silence := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{mulawSilence}, silenceChunkBytes))
	if err := writeJSON(conn, protocol.UserAudioChunk{UserAudioChunk: silence}); err != nil {
		return fmt.Errorf("send silence: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read agent: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := p.handle(conn, data); err != nil {
			return err
		}
	}
}

func (p *probe) handle(conn session.Conn, data []byte) error {
	action, err := translate.FromAgent(data, probeStreamSID)
	if err != nil {
		fmt.Fprintf(p.stdout, "dropped frame: %v\n", err)
		return nil
	}

	switch a := action.(type) {
	case translate.FormatUpdate:
		p.format = a.Format
		fmt.Fprintf(p.stdout, "Audio format: %s\n", a.Format)
		if !a.Format.IsTelephonyNative() {
			fmt.Fprintf(p.stdout, "warning: %s is not telephony native; audio will not be recorded\n", a.Format)
		}
	case translate.SendToTelephony:
		media, ok := a.Frame.(protocol.TelephonyMediaOut)
		if !ok {
			fmt.Fprintln(p.stdout, "Agent interrupted")
			return nil
		}
		chunk, err := base64.StdEncoding.DecodeString(media.Media.Payload)
		if err != nil {
			fmt.Fprintf(p.stdout, "dropped audio: %v\n", err)
			return nil
		}
		fmt.Fprintf(p.stdout, "Received %d bytes of audio\n", len(chunk))
		if p.format.IsTelephonyNative() {
			p.audio.Write(chunk)
		}
	case translate.SendToAgent:
		if err := writeJSON(conn, a.Frame); err != nil {
			return fmt.Errorf("send %s: %w", a.Event, err)
		}
	case translate.AgentResponse:
		fmt.Fprintf(p.stdout, "Agent: %s\n", a.Text)
	case translate.UserTranscript:
		fmt.Fprintf(p.stdout, "User: %s\n", a.Text)
	}
	return nil
}

// save writes collected audio. It reports false when there was nothing to write.
func (p *probe) save(path string) (bool, error) {
	if path == "" || p.audio.Len() == 0 {
		return false, nil
	}
	if err := os.WriteFile(path, mulawToWAV(p.audio.Bytes(), p.format.SampleRateHz), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

func writeJSON(conn session.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "convai-probe: %v\n", err)
		return 1
	}
	opts, err := parseOptions(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "convai-probe: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	p := &probe{
		issuer: convai.NewClient(opts.apiKey, opts.apiBase, &http.Client{Timeout: 30 * time.Second}),
		dialer: session.WebsocketDialer{},
		stdout: stdout,
	}
	if err := p.run(ctx, opts.agentID); err != nil {
		fmt.Fprintf(stderr, "convai-probe: %v\n", err)
		return 1
	}
	wrote, err := p.save(opts.out)
	if err != nil {
		fmt.Fprintf(stderr, "convai-probe: %v\n", err)
		return 1
	}
	if wrote {
		fmt.Fprintf(stdout, "Saved agent audio to %s\n", opts.out)
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
