package headless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/terrachat/terrachat/internal/client"
	"github.com/terrachat/terrachat/internal/clientsync"
	"github.com/terrachat/terrachat/internal/logging"
	"github.com/terrachat/terrachat/pkg/types"
)

// Runner asks one question against a running server and waits for the
// answer, or follows an existing session.
type Runner struct {
	config  *Config
	printer *Printer
	api     *client.Client
	cable   *client.Cable

	// asking is set once our own turn has been submitted; sawPending once
	// a placeholder for it has been shown.
	asking     atomic.Bool
	sawPending atomic.Bool
	settled    chan struct{}
}

// NewRunner creates a new headless runner.
func NewRunner(cfg *Config) *Runner {
	return &Runner{
		config:  cfg,
		settled: make(chan struct{}, 1),
	}
}

// Run submits the prompt and returns once the turn has been answered.
func (r *Runner) Run(ctx context.Context, writer io.Writer) (*Result, error) {
	r.printer = NewPrinter(writer, r.config.OutputFormat, r.config.Quiet, r.config.Verbose)
	defer r.printer.PrintFinalResult()

	prompt := strings.TrimSpace(r.config.Prompt)
	if prompt == "" {
		err := errors.New("prompt is required")
		r.printer.SetResult("error", ExitInvalidInput, "", err)
		return r.printer.GetResult(), err
	}

	runCtx := ctx
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	r.initialize(runCtx)
	if r.cable != nil {
		defer r.cable.Close()
	}

	sessionID, err := r.getOrCreateSession(runCtx)
	if err != nil {
		return r.fail(err)
	}
	r.printer.SetSessionID(sessionID)
	if r.config.OutputFormat == OutputText && !r.config.Quiet {
		fmt.Fprintf(writer, "[session:%s] Asking...\n", truncateID(sessionID))
	}

	s, err := r.open(runCtx, sessionID)
	if err != nil {
		return r.fail(err)
	}
	defer s.Close()

	r.asking.Store(true)
	if err := s.Submit(runCtx, prompt); err != nil {
		return r.fail(err)
	}

	select {
	case <-r.settled:
	case <-runCtx.Done():
		err := runCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			r.printer.SetResult("timeout", ExitTimeout, "", err)
			return r.printer.GetResult(), err
		}
		r.printer.SetResult("error", ExitError, "", err)
		return r.printer.GetResult(), err
	}

	return r.finish(s)
}

// Watch prints the transcript of an existing session and follows it until
// ctx is done.
func (r *Runner) Watch(ctx context.Context, writer io.Writer) error {
	r.printer = NewPrinter(writer, r.config.OutputFormat, r.config.Quiet, r.config.Verbose)
	if r.config.SessionID == "" {
		return errors.New("session id is required")
	}

	r.initialize(ctx)
	if r.cable != nil {
		defer r.cable.Close()
	}

	s, err := r.open(ctx, r.config.SessionID)
	if err != nil {
		return err
	}
	defer s.Close()

	<-ctx.Done()
	return nil
}

// initialize builds the HTTP client and, unless disabled, the live cable.
// A cable that cannot be dialed leaves the run on polling alone.
func (r *Runner) initialize(ctx context.Context) {
	r.api = client.New(r.config.ServerURL, r.config.UserID)
	if r.config.NoCable {
		return
	}
	cable, err := r.api.DialCable(ctx, client.CableOptions{
		OnReconnect: func() {
			logging.Info().Msg("cable reconnected")
		},
	})
	if err != nil {
		logging.Warn().Err(err).Msg("live updates unavailable, falling back to polling")
		return
	}
	r.cable = cable
}

func (r *Runner) getOrCreateSession(ctx context.Context) (string, error) {
	if r.config.SessionID != "" {
		return r.config.SessionID, nil
	}
	if len(r.config.Area) == 0 {
		return "", &types.ValidationError{Field: "area_of_interest", Message: "an area of interest is required for a new session"}
	}
	session, err := r.api.CreateSession(ctx, types.SessionCreate{
		Title:          r.config.Title,
		AnalysisType:   r.config.AnalysisType,
		AIProvider:     r.config.AIProvider,
		AreaOfInterest: r.config.Area,
	})
	if err != nil {
		return "", err
	}
	return session.ID, nil
}

func (r *Runner) open(ctx context.Context, sessionID string) (*clientsync.Sync, error) {
	var sub clientsync.Subscriber
	if r.cable != nil {
		sub = r.cable
	}
	return clientsync.Open(ctx, r.api, sub, sessionID, clientsync.Options{
		PollDelay:    r.config.PollInterval,
		PollInterval: r.config.PollInterval,
		OnChange:     r.onChange,
	})
}

// onChange runs on the sync loop for every transcript change.
func (r *Runner) onChange(entries []clientsync.Entry) {
	r.printer.Update(entries)
	if !r.asking.Load() {
		return
	}

	pending := false
	for _, e := range entries {
		if e.Loading {
			pending = true
			break
		}
	}
	if pending {
		r.sawPending.Store(true)
		return
	}
	if r.sawPending.Load() {
		select {
		case r.settled <- struct{}{}:
		default:
		}
	}
}

// finish reads the outcome of the turn from the last transcript entry.
func (r *Runner) finish(s *clientsync.Sync) (*Result, error) {
	entries := s.Snapshot()
	if len(entries) == 0 {
		err := errors.New("empty transcript")
		r.printer.SetResult("error", ExitError, "", err)
		return r.printer.GetResult(), err
	}

	last := entries[len(entries)-1]
	if last.Failed {
		r.printer.show(last)
		r.printer.printDone(types.StatusFailed)
		err := fmt.Errorf("analysis failed: %s", last.Content)
		r.printer.SetResult("failed", ExitAnalysisFailed, last.Content, err)
		return r.printer.GetResult(), err
	}

	r.printer.printDone(types.StatusCompleted)
	r.printer.SetResult("success", ExitSuccess, last.Content, nil)
	return r.printer.GetResult(), nil
}

// fail maps a setup or submission error to a result.
func (r *Runner) fail(err error) (*Result, error) {
	code := ExitError
	var apiErr *client.APIError
	var validationErr *types.ValidationError
	switch {
	case errors.As(err, &validationErr):
		code = ExitInvalidInput
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound,
		errors.Is(err, client.ErrRejected):
		code = ExitSessionNotFound
	case errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnprocessableEntity):
		code = ExitInvalidInput
	case errors.Is(err, context.DeadlineExceeded):
		r.printer.SetResult("timeout", ExitTimeout, "", err)
		return r.printer.GetResult(), err
	}
	r.printer.SetResult("error", code, "", err)
	return r.printer.GetResult(), err
}
