package server

import (
	"github.com/conneroisu/playground/internal/build"
	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/rsx"
)

// Frame kinds on /ws.
const (
	KindBuild         = "build"
	KindQueued        = "queued"
	KindStage         = "stage"
	KindDiagnostic    = "diagnostic"
	KindBuildFinished = "build_finished"
	KindRateLimited   = "rate_limited"
	KindError         = "error"
)

// Frame kinds on /ws/hotreload.
const (
	KindBaseline     = "baseline"
	KindEdit         = "edit"
	KindPatch        = "patch"
	KindNeedsRebuild = "needs_rebuild"
)

// ClientFrame is any frame a client sends.
type ClientFrame struct {
	Kind            string `json:"kind"`
	Source          string `json:"source"`
	PreviousBuildID string `json:"previous_build_id,omitempty"`
	BuildID         string `json:"build_id,omitempty"`
}

// BuildResult is {"ok": id} or {"err": message}.
type BuildResult struct {
	Ok  string `json:"ok,omitempty"`
	Err string `json:"err,omitempty"`
}

// ServerFrame is any frame the server sends. Kind selects which fields are set.
type ServerFrame struct {
	Kind         string         `json:"kind"`
	Position     *int           `json:"position,omitempty"`
	Stage        *build.Stage   `json:"stage,omitempty"`
	Level        string         `json:"level,omitempty"`
	Message      string         `json:"message,omitempty"`
	Spans        *[]build.Span  `json:"spans,omitempty"`
	Rendered     string         `json:"rendered,omitempty"`
	Result       *BuildResult   `json:"result,omitempty"`
	RetryAfterMs *int64         `json:"retry_after_ms,omitempty"`
	Templates    []rsx.Template `json:"templates,omitempty"`
}

// eventFrame converts a queue or worker event to its wire frame.
func eventFrame(e build.Event) ServerFrame {
	switch e.Kind {
	case build.EventQueued:
		pos := e.Position

		return ServerFrame{Kind: KindQueued, Position: &pos}
	case build.EventStage:
		stage := e.Stage

		return ServerFrame{Kind: KindStage, Stage: &stage}
	case build.EventDiagnostic:
		d := e.Diagnostic
		spans := d.Spans
		if spans == nil {
			spans = []build.Span{}
		}

		return ServerFrame{Kind: KindDiagnostic, Level: d.Level, Message: d.Message, Spans: &spans, Rendered: d.Rendered}
	default:
		result := &BuildResult{}
		if e.Result.Err != nil {
			result.Err = wireError(e.Result.Err)
		} else {
			result.Ok = e.Result.ID
		}

		return ServerFrame{Kind: KindBuildFinished, Result: result}
	}
}

func rateLimitedFrame(retryAfterMs int64) ServerFrame {
	return ServerFrame{Kind: KindRateLimited, RetryAfterMs: &retryAfterMs}
}

func errorFrame(msg string) ServerFrame {
	return ServerFrame{Kind: KindError, Message: msg}
}

// wireError stringifies a build error for the client. Resource failures are
// reported generically; the details are in the server log.
func wireError(err error) string {
	var e *errors.Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	switch e.Type {
	case errors.ErrorTypeIO, errors.ErrorTypeInternal:
		return "build failed: internal error"
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}

	return e.Message
}
