package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"honeyguard/internal/config"
)

const (
	tailPollInterval = 200 * time.Millisecond
	tailReopenDelay  = 500 * time.Millisecond
)

func StartFileTail(ctx context.Context, cfg *config.Manager, submitter *Submitter, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		t := &tailer{path: path, seekEnd: current.StartAtEnd, submitter: submitter, parser: NewParser(), logger: logger}
		go t.run(ctx)
	}
}

// tailer follows one activity log. Lines without an id get one derived from
// the file generation and byte offset, so a replayed line keeps its identity.
type tailer struct {
	path       string
	seekEnd    bool
	generation int
	offset     int64
	submitter  *Submitter
	parser     *Parser
	logger     *slog.Logger
}

func (t *tailer) run(ctx context.Context) {
	for ctx.Err() == nil {
		f, err := os.Open(t.path)
		if err != nil {
			if t.logger != nil {
				t.logger.Warn("tail open failed", "path", t.path, "err", err)
			}
			if !BackoffSleep(ctx, tailReopenDelay) {
				return
			}
			continue
		}
		t.offset = 0
		if t.seekEnd {
			if pos, err := f.Seek(0, io.SeekEnd); err == nil {
				t.offset = pos
			}
		}
		err = t.follow(ctx, f)
		_ = f.Close()
		if err != nil && t.logger != nil {
			t.logger.Warn("tail read error", "path", t.path, "err", err)
		}
		// Whatever was reopened after truncation or an error is read from the top.
		t.seekEnd = false
		t.generation++
	}
}

// follow reads f until the context ends, the file shrinks below the read
// offset or a read fails. A trailing line without newline is held back until
// it is complete.
func (t *tailer) follow(ctx context.Context, f *os.File) error {
	reader := bufio.NewReader(f)
	var pending []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		pending = append(pending, chunk...)
		switch {
		case err == nil:
			start := t.offset
			t.offset += int64(len(pending))
			id := fmt.Sprintf("file:%s:%d:%d", t.path, t.generation, start)
			t.submitter.submitLine(ctx, t.parser, string(pending), "file_tail", id)
			pending = pending[:0]
		case errors.Is(err, io.EOF):
			if !BackoffSleep(ctx, tailPollInterval) {
				return nil
			}
			info, statErr := os.Stat(t.path)
			if statErr == nil && info.Size() < t.offset+int64(len(pending)) {
				if t.logger != nil {
					t.logger.Info("tail file truncated", "path", t.path)
				}
				return nil
			}
		default:
			return err
		}
	}
}
