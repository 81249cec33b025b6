package client

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/realtime"
)

// StreamSource is a realtime.Source reading the API's server-sent change
// stream.
type StreamSource struct {
	client *Client
	logger *log.Entry
}

func NewStreamSource(c *Client, logger *log.Entry) *StreamSource {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &StreamSource{client: c, logger: logger}
}

// Subscribe returns once the server accepted the stream. The server only
// answers after its own subscription is in place.
func (s *StreamSource) Subscribe(ctx context.Context, f realtime.Filter) (realtime.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	path := "/api/projects/" + url.PathEscape(f.ProjectID) + "/stream?collection=" + url.QueryEscape(string(f.Collection))
	req, err := s.client.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// the stream outlives any client timeout
	hc := *s.client.HTTP
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		cancel()
		return nil, domain.Wrap(domain.CodeTransient, err, "open change stream")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, responseError(resp)
	}
	sub := &streamSubscription{resp: resp, cancel: cancel, out: make(chan realtime.Delivery)}
	go sub.pump(ctx, s.logger.WithFields(log.Fields{"project_id": f.ProjectID, "collection": f.Collection}))
	return sub, nil
}

type streamSubscription struct {
	resp   *http.Response
	cancel context.CancelFunc
	out    chan realtime.Delivery
	once   sync.Once
}

func (s *streamSubscription) C() <-chan realtime.Delivery { return s.out }

func (s *streamSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.resp.Body.Close()
	})
}

func (s *streamSubscription) pump(ctx context.Context, logger *log.Entry) {
	defer close(s.out)
	rd := bufio.NewReader(s.resp.Body)
	var data strings.Builder
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			if ctx.Err() == nil {
				s.fail(ctx, fmt.Errorf("%w: %v", realtime.ErrStreamClosed, err))
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			payload := data.String()
			data.Reset()
			ev, err := domain.DecodeChangeEvent([]byte(payload))
			if err != nil {
				logger.WithError(err).Debug("dropping malformed change event")
				continue
			}
			select {
			case s.out <- realtime.Delivery{Event: ev}:
			case <-ctx.Done():
				return
			}
		case strings.HasPrefix(line, ":"):
			// comment or keepalive
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (s *streamSubscription) fail(ctx context.Context, err error) {
	select {
	case s.out <- realtime.Delivery{Err: err}:
	case <-ctx.Done():
	}
}
