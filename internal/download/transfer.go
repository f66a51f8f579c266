package download

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shepherd-project/mediadl/internal/engine"
)

// PlainEngine is the plain HTTP transfer engine contract
type PlainEngine interface {
	Start(req engine.Request, sink engine.Sink) (int64, error)
	Stop(jobID int64)
}

// HLSEngine is the HLS transfer engine contract
type HLSEngine interface {
	Start(params engine.HLSParams) error
	Cancel(jobID int64)
}

// transfer is the per-kind strategy: how a task's engine run is started,
// stopped and cleaned up.
type transfer interface {
	start(t *task, sink engine.Sink) error
	stop(t *task)
	cleanup(path string) error
}

func (m *Manager) transferFor(kind Kind) transfer {
	if kind == KindHLS {
		return hlsTransfer{engine: m.hls}
	}
	return plainTransfer{engine: m.plain}
}

type plainTransfer struct {
	engine PlainEngine
}

// start resumes from DownloadedBytes by merging a Range header into the
// record's headers
func (p plainTransfer) start(t *task, sink engine.Sink) error {
	headers := make(map[string]string, len(t.rec.Headers)+1)
	for k, v := range t.rec.Headers {
		if strings.EqualFold(k, "Range") {
			continue
		}
		headers[k] = v
	}
	if t.rec.DownloadedBytes > 0 {
		headers["Range"] = "bytes=" + strconv.FormatInt(t.rec.DownloadedBytes, 10) + "-"
	}
	if len(headers) > 0 {
		t.rec.Headers = headers
	} else {
		t.rec.Headers = nil
	}

	id, err := p.engine.Start(engine.Request{
		URL:     t.rec.URL,
		Path:    t.rec.Path,
		Headers: t.rec.clone().Headers,
	}, sink)
	if err != nil {
		return err
	}
	t.engineID = id
	return nil
}

func (p plainTransfer) stop(t *task) {
	p.engine.Stop(t.engineID)
}

func (p plainTransfer) cleanup(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrCleanup, err)
	}
	return nil
}

type hlsTransfer struct {
	engine HLSEngine
}

func (h hlsTransfer) start(t *task, sink engine.Sink) error {
	t.engineID = t.rec.JobID
	return h.engine.Start(engine.HLSParams{
		JobID:    t.rec.JobID,
		VideoURL: t.rec.URL,
		Path:     t.rec.Path,
		FileName: t.rec.FileName,
		Title:    t.title,
		Headers:  t.rec.clone().Headers,
		Sink:     sink,
	})
}

func (h hlsTransfer) stop(t *task) {
	h.engine.Cancel(t.rec.JobID)
}

// cleanup removes the local playlist and the segment directory
func (h hlsTransfer) cleanup(path string) error {
	var errs []error
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(engine.SegmentDir(path)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrCleanup, errors.Join(errs...))
	}
	return nil
}
