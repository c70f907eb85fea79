package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"corpus-dispatch/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxResponse caps how much of a conversion response is read.
const maxResponse = 8 << 20

type httpConverter struct {
	client     *http.Client
	maxElapsed time.Duration
}

// NewHttpConverter creates a converter that POSTs each assignment to the
// service's "url" parameter. Server errors and timeouts are retried with
// backoff for up to maxElapsed.
func NewHttpConverter(timeout, maxElapsed time.Duration) domain.Converter {
	return &httpConverter{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxElapsed: maxElapsed,
	}
}

type convertRequest struct {
	TaskID     int64             `json:"task_id"`
	Attempt    int32             `json:"attempt"`
	Entry      string            `json:"entry"`
	Corpus     string            `json:"corpus"`
	CorpusPath string            `json:"corpus_path"`
	Service    string            `json:"service"`
	Params     map[string]string `json:"params,omitempty"`
}

// convertResponse is the JSON a conversion endpoint may answer with. Other
// content types are taken as a raw log.
type convertResponse struct {
	Status   string `json:"status"`
	Log      string `json:"log"`
	Messages []struct {
		Severity string `json:"severity"`
		Category string `json:"category"`
		What     string `json:"what"`
		Details  string `json:"details"`
	} `json:"messages"`
}

type retriableError struct{ err error }

func (e *retriableError) Error() string { return e.err.Error() }
func (e *retriableError) Unwrap() error { return e.err }

func (e *httpConverter) Convert(ctx context.Context, a *domain.Assignment) (*domain.Conversion, error) {
	url := a.Service.Params["url"]
	if url == "" {
		return nil, fmt.Errorf("service %s has no url parameter", a.Service.Name)
	}
	method := a.Service.Params["method"]
	if method == "" {
		method = http.MethodPost
	}
	body, err := json.Marshal(convertRequest{
		TaskID:     a.Task.ID,
		Attempt:    a.Task.Attempt,
		Entry:      a.Task.Entry,
		Corpus:     a.Corpus.Name,
		CorpusPath: a.Corpus.Path,
		Service:    a.Service.Name,
		Params:     a.Service.Params,
	})
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = e.maxElapsed
	var conv *domain.Conversion
	err = backoff.Retry(func() error {
		var err error
		conv, err = e.doConvert(ctx, method, url, body)
		var re *retriableError
		if err != nil && !errors.As(err, &re) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// the endpoint is reachable but refuses; record it on the task
		return &domain.Conversion{Log: fmt.Sprintf("Fatal:http:request %v\n", err)}, nil
	}
	return conv, nil
}

// doConvert performs a single request.
func (e *httpConverter) doConvert(ctx context.Context, method, url string, body []byte) (*domain.Conversion, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// timeouts and refused connections are worth another try
		return nil, &retriableError{fmt.Errorf("http request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, &retriableError{fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode >= 500 {
		return nil, &retriableError{fmt.Errorf("http request returned 5xx server error: %s", resp.Status)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http request returned 4xx client error: %s", resp.Status)
	}

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return &domain.Conversion{Log: string(data)}, nil
	}
	var cr convertResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return nil, fmt.Errorf("invalid conversion response: %w", err)
	}
	conv := &domain.Conversion{Log: cr.Log}
	if cr.Status != "" {
		st, err := domain.ParseTaskStatus(cr.Status)
		if err != nil {
			return nil, err
		}
		conv.Status = st
	}
	for _, m := range cr.Messages {
		conv.Messages = append(conv.Messages, domain.Message{
			Severity: domain.ParseSeverity(m.Severity),
			Category: m.Category,
			What:     m.What,
			Details:  m.Details,
		})
	}
	return conv, nil
}
