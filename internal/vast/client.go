// Package vast drives the VAST command line client: importing IOCs into the
// live matcher, attaching to its output and running historical queries.
package vast

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"threatbus/vast-bridge/internal/metrics"

	"github.com/rs/zerolog"
)

const maxLineBytes = 4 * 1024 * 1024

// Client runs vast commands against one endpoint
type Client struct {
	Binary   string
	Endpoint string
	Logger   zerolog.Logger
}

// NewClient creates a client for the given vast binary and node endpoint
func NewClient(binary, endpoint string, logger zerolog.Logger) *Client {
	return &Client{
		Binary:   binary,
		Endpoint: endpoint,
		Logger:   logger.With().Str("component", "vast").Logger(),
	}
}

// CommandError is returned when vast exits unsuccessfully
type CommandError struct {
	Command string
	Err     error
	Stderr  string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("vast %s: %v: %s", e.Command, e.Err, e.Stderr)
	}
	return fmt.Sprintf("vast %s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

func (c *Client) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"-e", c.Endpoint}, args...)
	return exec.CommandContext(ctx, c.Binary, full...)
}

// observe records latency and failures of one invocation
func observe(name string, started time.Time, err error) {
	metrics.VastDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.VastErrors.WithLabelValues(name).Inc()
	}
}

// run executes a command to completion, feeding stdin when non-empty
func (c *Client) run(ctx context.Context, name, stdin string, args ...string) (err error) {
	started := time.Now()
	defer func() { observe(name, started, err) }()

	c.Logger.Debug().Str("command", name).Strs("args", args).Msg("running vast")
	cmd := c.command(ctx, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &CommandError{Command: name, Err: err, Stderr: strings.TrimSpace(stderr.String())}
	}
	return nil
}

// stream runs a command and calls fn for each non-empty line of its output.
// An error from fn stops the command and is returned as is, except ErrStop.
func (c *Client) stream(ctx context.Context, name string, fn func(line string) error, args ...string) (err error) {
	started := time.Now()
	defer func() { observe(name, started, err) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := c.command(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return &CommandError{Command: name, Err: err}
	}

	var fnErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if fnErr = fn(line); fnErr != nil {
			break
		}
	}
	scanErr := scanner.Err()
	if fnErr != nil || scanErr != nil {
		// Kill the process; Wait closes the pipe.
		cancel()
	}
	waitErr := cmd.Wait()

	switch {
	case errors.Is(fnErr, ErrStop):
		return nil
	case fnErr != nil:
		return fnErr
	case scanErr != nil:
		return fmt.Errorf("read vast %s output: %w", name, scanErr)
	case waitErr != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &CommandError{Command: name, Err: waitErr, Stderr: strings.TrimSpace(stderr.String())}
	}
	return nil
}

// Import hands one JSON ingestion record to the live matcher
func (c *Client) Import(ctx context.Context, record string) error {
	return c.run(ctx, "import", record+"\n", "import", "--type=intel.indicator", "json")
}

// RemoveIOC withdraws an indicator from the named matcher
func (c *Client) RemoveIOC(ctx context.Context, matcher, ioc, typ string) error {
	return c.run(ctx, "ioc-remove", "", "matcher", "ioc-remove", "--type="+typ, matcher, ioc)
}

// StartMatcher creates a live matcher named name
func (c *Client) StartMatcher(ctx context.Context, name string, args ...string) error {
	full := append([]string{"matcher", "start"}, args...)
	full = append(full, name)
	return c.run(ctx, "matcher-start", "", full...)
}

// AttachMatcher streams the JSON results of the named matcher until ctx is done
func (c *Client) AttachMatcher(ctx context.Context, name string, fn func(line string) error) error {
	return c.stream(ctx, "matcher-attach", fn, "matcher", "attach", "json", name)
}

// Export runs a historical query and streams every JSON result line.
// maxEvents <= 0 means no limit.
func (c *Client) Export(ctx context.Context, query string, maxEvents int, fn func(line string) error) error {
	args := []string{"export"}
	if maxEvents > 0 {
		args = append(args, "--max-events="+strconv.Itoa(maxEvents))
	}
	args = append(args, "json", query)
	return c.stream(ctx, "export", fn, args...)
}

// ErrStop can be returned from a streaming callback to end the stream without an error
var ErrStop = errors.New("stop streaming")

// NewMatcherName returns "threatbus-" followed by ten random lowercase letters
func NewMatcherName() string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, 10)
	rand.Read(b)
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return "threatbus-" + string(b)
}
