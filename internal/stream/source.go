// Package stream feeds validated alerts into the decision engine. The
// production deployment fronts this with a message queue; here the source is
// an NDJSON reader, one alert object per line, which covers files, fifos and
// stdin.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"

	"github.com/threshfin/signalpilot/internal/models"
)

// AlertSource yields the next alert to process. It returns io.EOF when the
// stream ends.
type AlertSource interface {
	Next(ctx context.Context) (*models.AlertIntent, error)
}

// NDJSONSource decodes alerts from a line-delimited JSON stream. Malformed
// lines are logged and skipped so one bad alert cannot stall the feed.
type NDJSONSource struct {
	scanner *bufio.Scanner
	logger  *log.Logger
}

var _ AlertSource = (*NDJSONSource)(nil)

// NewNDJSONSource reads alerts from r. A nil logger falls back to stderr.
func NewNDJSONSource(r io.Reader, logger *log.Logger) *NDJSONSource {
	if logger == nil {
		logger = log.New(os.Stderr, "stream ", log.LstdFlags)
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &NDJSONSource{scanner: sc, logger: logger}
}

// Next returns the next decodable alert, deriving its correlation key from
// the alert timestamp when the sender left the key empty.
func (s *NDJSONSource) Next(ctx context.Context) (*models.AlertIntent, error) {
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		var a models.AlertIntent
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			s.logger.Printf("skipping malformed alert line: %v", err)
			continue
		}
		if a.Key == "" {
			if a.Timestamp > 0 {
				a.Key = models.TimestampKey(a.Timestamp)
			} else {
				a.Key = models.NowKey()
			}
		}
		return &a, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
