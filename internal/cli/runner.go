package cli

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/g960059/remotecmd/internal/api"
	"github.com/g960059/remotecmd/internal/config"
	"github.com/g960059/remotecmd/internal/model"
)

type Runner struct {
	baseURL    string
	socketPath string
	client     *http.Client
	in         io.Reader
	out        io.Writer
	errOut     io.Writer
}

const maxPushBytes int64 = 64 << 10

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	r := NewRunnerWithClient("http://unix", &http.Client{Transport: transport}, out, errOut)
	r.socketPath = socketPath
	return r
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		in:      os.Stdin,
		out:     out,
		errOut:  errOut,
	}
}

// SetInput replaces stdin for commands that read a payload from "-".
func (r *Runner) SetInput(in io.Reader) {
	r.in = in
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" && r.baseURL == "http://unix" {
		in := r.in
		*r = *NewRunner(socketPath, r.out, r.errOut)
		r.in = in
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "push":
		return r.runPush(ctx, rest[1:])
	case "poll":
		return r.runPoll(ctx, rest[1:])
	case "commands":
		return r.runCommands(ctx, rest[1:])
	case "enqueue":
		return r.runEnqueue(ctx, rest[1:])
	case "history":
		return r.runHistory(ctx, rest[1:])
	case "otp":
		return r.runOTP(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socket := config.DefaultConfig().SocketPath
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, rest, nil
}

// runPush sends a raw push payload given inline, with --file, or on stdin
// as "-".
func (r *Runner) runPush(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("push", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	file := fs.String("file", "", "read payload from file")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	var (
		data []byte
		err  error
	)
	switch {
	case *file != "":
		data, err = os.ReadFile(*file)
	case fs.NArg() == 1 && fs.Arg(0) == "-":
		data, err = io.ReadAll(io.LimitReader(r.in, maxPushBytes+1))
		if err == nil && int64(len(data)) > maxPushBytes {
			err = fmt.Errorf("payload exceeds %d bytes", maxPushBytes)
		}
	case fs.NArg() == 1:
		data = []byte(fs.Arg(0))
	default:
		_, _ = fmt.Fprintln(r.errOut, "usage: remotecmd push [--json] [--file <path>] <payload-json|->")
		return 2
	}
	if err != nil {
		return r.handleErr(err)
	}
	if !json.Valid(data) {
		return r.handleErr(errors.New("payload is not valid JSON"))
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/notifications", nil, json.RawMessage(data))
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	var ack api.NotificationResponse
	if err := json.Unmarshal(body, &ack); err != nil {
		return r.handleErr(err)
	}
	if ack.Message != "" {
		_, _ = fmt.Fprintf(r.out, "accepted by %s: %s\n", ack.Version, ack.Message)
		return 0
	}
	_, _ = fmt.Fprintf(r.out, "accepted by %s\n", ack.Version)
	return 0
}

func (r *Runner) runPoll(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("poll", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/commands/poll", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	var resp api.PollResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	if len(resp.Results) == 0 {
		_, _ = fmt.Fprintln(r.out, "no pending commands")
		return 0
	}
	for _, res := range resp.Results {
		executed := "skipped"
		if res.Executed {
			executed = "executed"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\n", res.CommandID, res.State, executed, res.Description, res.Message)
	}
	return 0
}

func (r *Runner) runCommands(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("commands", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/commands", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	var env api.CommandsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	for _, c := range env.Commands {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Status.State, c.CreatedDate.UTC().Format(time.RFC3339), c.Description, c.Status.Message)
	}
	return 0
}

func (r *Runner) runEnqueue(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	id := fs.String("id", "", "command id (default: random)")
	code := fs.String("otp", "", "one-time password")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, `usage: remotecmd enqueue [--id <id>] [--otp <code>] [--json] '{"type":"bolus","amount":1}'`)
		return 2
	}
	raw := []byte(fs.Arg(0))
	if _, err := model.UnmarshalAction(raw); err != nil {
		return r.handleErr(err)
	}
	req := api.EnqueueRequest{ID: strings.TrimSpace(*id), Action: raw, OTP: strings.TrimSpace(*code)}
	body, err := r.request(ctx, http.MethodPost, "/v1/commands", nil, req)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	var resp api.EnqueueResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "queued %s (%s)\n", resp.Command.ID, resp.Command.Description)
	return 0
}

func (r *Runner) runHistory(ctx context.Context, args []string) int {
	if len(args) > 0 && args[0] == "watch" {
		return r.runHistoryWatch(ctx, args[1:])
	}
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	clearAll := fs.Bool("clear", false, "delete all history")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	method := http.MethodGet
	if *clearAll {
		method = http.MethodDelete
	}
	body, err := r.request(ctx, method, "/v1/history", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	if *clearAll {
		_, _ = fmt.Fprintln(r.out, "history cleared")
		return 0
	}
	var env api.HistoryEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	r.printHistory(env.Notifications)
	return 0
}

// runHistoryWatch prints the history each time the daemon reports a change.
// --count stops after that many updates.
func (r *Runner) runHistoryWatch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("history watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	count := fs.Int("count", 0, "stop after n updates")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	wsURL := "ws://unix/v1/history/watch"
	if r.socketPath != "" {
		socketPath := r.socketPath
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}
	} else {
		wsURL = "ws" + strings.TrimPrefix(r.baseURL, "http") + "/v1/history/watch"
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return r.handleErr(fmt.Errorf("watch history: %w", err))
	}
	defer conn.Close() //nolint:errcheck
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for seen := 0; *count <= 0 || seen < *count; seen++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return 0
			}
			return r.handleErr(fmt.Errorf("watch history: %w", err))
		}
		var env api.HistoryEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "-- %d notifications\n", len(env.Notifications))
		r.printHistory(env.Notifications)
	}
	return 0
}

func (r *Runner) printHistory(entries []model.StoredNotification) {
	for _, n := range entries {
		outcome := "pending"
		detail := ""
		if n.Status != nil {
			outcome = string(n.Status.Outcome)
			detail = n.Status.ErrorMessage
			if n.Status.CompletionMessage != nil {
				detail = *n.Status.CompletionMessage
			}
		}
		uploaded := "not-uploaded"
		if n.Uploaded {
			uploaded = "uploaded"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\t%s\n",
			n.ID, n.ReceivedDate.UTC().Format(time.RFC3339), model.Describe(n.Action), outcome, uploaded, detail)
	}
}

func (r *Runner) runOTP(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("otp", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/otp", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	var resp api.OTPResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "%s\tvalid until %s\n", resp.Code, resp.ValidUntil.UTC().Format(time.RFC3339))
	return 0
}

func (r *Runner) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

func (r *Runner) writeRaw(body []byte) int {
	_, _ = r.out.Write(bytes.TrimRight(body, "\n"))
	_, _ = fmt.Fprintln(r.out)
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: remotecmd [--socket <path>] <push|poll|commands|enqueue|history|otp> ...")
}
