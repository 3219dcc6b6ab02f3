package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"

	"busrelay/internal/model"
)

// SubjectPlaceholder is replaced by the url-escaped subject id in HTTPGate.URL.
const SubjectPlaceholder = "{subjectId}"

const (
	defaultRetries        = 2
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = time.Second
)

// HTTPGate asks the system of record which entities a subject is associated
// with and checks the requested entity against that set.
type HTTPGate struct {
	// URL is the association endpoint, e.g. http://backend/api/parents/{subjectId}/buses.
	URL        string
	HTTP       *http.Client
	MaxRetries int
	logTags    log.Fields
}

// NewHTTPGate creates an HTTPGate. The client timeout bounds a single attempt;
// callers bound the whole decision with their context.
func NewHTTPGate(rawURL string, timeout time.Duration, maxRetries int) *HTTPGate {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = defaultRetries
	}
	return &HTTPGate{
		URL:        rawURL,
		HTTP:       &http.Client{Timeout: timeout},
		MaxRetries: maxRetries,
		logTags:    log.Fields{"module": "authz", "component": "http-gate"},
	}
}

// permanentStatus reports responses that will not change on retry.
func permanentStatus(code int) bool { return code >= 400 && code < 500 && code != http.StatusTooManyRequests }

func (g *HTTPGate) endpoint(subject model.ID) string {
	return strings.ReplaceAll(g.URL, SubjectPlaceholder, url.PathEscape(string(subject)))
}

// Allow implements Gate.
func (g *HTTPGate) Allow(ctx context.Context, req Request) (bool, error) {
	if g.URL == "" {
		return false, errors.New("authorization endpoint not configured")
	}
	var ids []model.ID
	denied := false
	operation := func() error {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint(req.SubjectID), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Accept", "application/json")
		if req.Token != "" {
			r.Header.Set("Authorization", "Bearer "+req.Token)
		}
		resp, err := g.HTTP.Do(r)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			parsed, err := ExtractEntityIDs(body)
			if err != nil {
				return backoff.Permanent(err)
			}
			ids = parsed
			return nil
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
			resp.StatusCode == http.StatusNotFound:
			denied = true
			return nil
		case permanentStatus(resp.StatusCode):
			return backoff.Permanent(fmt.Errorf("system of record returned %d", resp.StatusCode))
		default:
			return fmt.Errorf("system of record returned %d", resp.StatusCode)
		}
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(defaultInitialBackoff),
				backoff.WithMaxInterval(defaultMaxBackoff),
			),
			uint64(g.MaxRetries),
		),
		ctx,
	)
	err := backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		log.WithError(err).WithFields(g.logTags).WithField("subject", req.SubjectID).
			Debugf("Retrying association lookup in %s", d)
	})
	if err != nil {
		return false, err
	}
	if denied {
		return false, nil
	}
	for _, id := range ids {
		if id == req.EntityID {
			return true, nil
		}
	}
	return false, nil
}

// ExtractEntityIDs reads an association listing. Accepted shapes are a bare
// array, or an object wrapping one under data, items, entityIds, buses or
// results. Elements are ids, or objects carrying entityId, busId, bus_id or id.
func ExtractEntityIDs(body []byte) ([]model.ID, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode association listing: %w", err)
	}
	if obj, ok := raw.(map[string]any); ok {
		raw = nil
		for _, k := range []string{"data", "items", "entityIds", "buses", "results"} {
			if v, ok := obj[k]; ok {
				raw = v
				break
			}
		}
		// {"data": {"buses": [...]}}
		if inner, ok := raw.(map[string]any); ok {
			for _, k := range []string{"items", "entityIds", "buses", "results"} {
				if v, ok := inner[k]; ok {
					raw = v
					break
				}
			}
		}
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, errors.New("association listing is not a list")
	}
	out := make([]model.ID, 0, len(list))
	for _, el := range list {
		if id := elementID(el); id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

func elementID(el any) model.ID {
	switch t := el.(type) {
	case string, json.Number:
		return model.IDFromClaim(t)
	case map[string]any:
		for _, k := range []string{"entityId", "busId", "bus_id", "id"} {
			if v, ok := t[k]; ok {
				return model.IDFromClaim(v)
			}
		}
	}
	return ""
}
