package channel

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/pageaudit/internal/audit"
	"github.com/JakeFAU/pageaudit/internal/progress"
	"github.com/JakeFAU/pageaudit/internal/workflow"
)

// EventKind names a channel message.
type EventKind string

// Channel events.
const (
	EventGetBenchmarkIndex EventKind = "GET_BENCHMARK_INDEX"
	EventCrawlURLs         EventKind = "CRAWL_URLS"
	EventRunTest           EventKind = "RUN_TEST"
	EventGetTestResults    EventKind = "GET_TEST_RESULTS"
)

// Status is the wire form of a stage status.
type Status string

// Channel statuses.
const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusError      Status = "ERROR"
	StatusFailed     Status = "FAILED"
)

// Message is a server to client frame.
type Message struct {
	Event  EventKind `json:"event"`
	Status Status    `json:"status"`
	Data   any       `json:"data"`
}

// Request is a client to server frame.
type Request struct {
	Event EventKind   `json:"event"`
	Data  RequestData `json:"data"`
}

// RequestData carries the id of the result being asked for.
type RequestData struct {
	ID string `json:"id"`
}

// BenchmarkData is sent when calibration succeeds.
type BenchmarkData struct {
	BenchmarkIndex float64 `json:"benchmarkIndex"`
}

// URLsData maps content addresses to discovered URLs. Order lists the ids in
// the order they will be tested.
type URLsData struct {
	URLs  map[string]string `json:"urls"`
	Order []string          `json:"order"`
}

// TestData describes one page test.
type TestData struct {
	ID    string `json:"id"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// ResultData answers GET_TEST_RESULTS. Data is null when nothing is stored.
type ResultData struct {
	ID    string       `json:"id"`
	Data  *audit.Entry `json:"data"`
	Error string       `json:"error,omitempty"`
}

// ErrorData reports a failed stage.
type ErrorData struct {
	Error string `json:"error"`
}

type emptyData struct{}

var stageEvents = map[progress.Stage]EventKind{
	progress.StageCalibrate:   EventGetBenchmarkIndex,
	progress.StageDiscover:    EventCrawlURLs,
	progress.StageRunTest:     EventRunTest,
	progress.StageFetchResult: EventGetTestResults,
}

var statuses = map[progress.Status]Status{
	progress.StatusInProgress: StatusInProgress,
	progress.StatusSuccess:    StatusSuccess,
	progress.StatusError:      StatusError,
	progress.StatusFailed:     StatusFailed,
}

// Encode converts a workflow event into its wire message. Events with no wire
// form report false.
func Encode(evt workflow.Event) (Message, bool) {
	kind, ok := stageEvents[evt.Stage]
	if !ok {
		return Message{}, false
	}
	status, ok := statuses[evt.Status]
	if !ok {
		return Message{}, false
	}
	msg := Message{Event: kind, Status: status, Data: emptyData{}}

	switch {
	case evt.Stage == progress.StageRunTest:
		data := TestData{ID: evt.ID}
		if evt.Status != progress.StatusSuccess {
			data.URL = evt.URL
		}
		if evt.Err != nil {
			data.Error = evt.Err.Error()
		}
		msg.Data = data
	case evt.Status == progress.StatusError:
		data := ErrorData{Error: "unknown error"}
		if evt.Err != nil {
			data.Error = evt.Err.Error()
		}
		msg.Data = data
	case evt.Stage == progress.StageCalibrate && evt.Status == progress.StatusSuccess:
		msg.Data = BenchmarkData{BenchmarkIndex: evt.Multiplier}
	case evt.Stage == progress.StageDiscover && evt.Status == progress.StatusSuccess:
		data := URLsData{URLs: make(map[string]string, len(evt.URLs)), Order: make([]string, 0, len(evt.URLs))}
		for _, url := range evt.URLs {
			id := audit.ID(url)
			data.URLs[id] = url
			data.Order = append(data.Order, id)
		}
		msg.Data = data
	}
	return msg, true
}

// DecodeRequest parses a client frame. Unknown events and malformed JSON wrap
// audit.ErrProtocolDecode.
func DecodeRequest(frame []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", audit.ErrProtocolDecode, err)
	}
	req.Event = EventKind(strings.TrimSpace(string(req.Event)))
	switch req.Event {
	case EventGetTestResults:
	default:
		return Request{}, fmt.Errorf("%w: unsupported event %q", audit.ErrProtocolDecode, req.Event)
	}
	return req, nil
}
