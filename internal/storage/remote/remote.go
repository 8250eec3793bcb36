// Package remote implements storage.Storage against the hosted data API,
// a PostgREST endpoint exposing the students table at /rest/v1/students.
//
// Every request carries the project's public api key plus the caller's
// access token; the hosted database evaluates its row-level security
// policies against that token. Nothing in this package filters by owner.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aanand-mishra/student-registry/internal/apperr"
	"github.com/aanand-mishra/student-registry/internal/storage"
	"github.com/aanand-mishra/student-registry/internal/types"
)

const (
	table = "students"

	mimeJSON   = "application/json"
	mimeObject = "application/vnd.pgrst.object+json"
)

// Client talks to the hosted data API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ storage.Storage = (*Client)(nil)

// New returns a Client for the project at baseURL (for example
// "https://xyzcompany.example.co"). A nil httpClient gets a client with the
// given timeout.
func New(baseURL, apiKey string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// ListStudents issues select-all-with-filter-and-order.
func (c *Client) ListStudents(ctx context.Context, p storage.Principal, filter types.ListFilter) ([]types.Student, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "name.asc")
	if term := strings.TrimSpace(filter.Search); term != "" {
		pattern := quote("*" + escapeLike(term) + "*")
		q.Set("or", fmt.Sprintf("(name.ilike.%s,enrollment_id.ilike.%s)", pattern, pattern))
	}

	students := make([]types.Student, 0)
	if err := c.do(ctx, p, storage.OpList, http.MethodGet, q, nil, mimeJSON, "", &students); err != nil {
		return nil, err
	}
	return students, nil
}

// GetStudent issues select-by-identifier, asking for a single object so
// that zero rows comes back as an error instead of an empty array.
func (c *Client) GetStudent(ctx context.Context, p storage.Principal, id string) (types.Student, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+id)

	var student types.Student
	if err := c.do(ctx, p, storage.OpGet, http.MethodGet, q, nil, mimeObject, "", &student); err != nil {
		return types.Student{}, err
	}
	return student, nil
}

// CreateStudent issues insert-one and returns the stored representation.
func (c *Client) CreateStudent(ctx context.Context, p storage.Principal, in types.NewStudent) (types.Student, error) {
	var student types.Student
	err := c.do(ctx, p, storage.OpCreate, http.MethodPost, url.Values{"select": {"*"}}, in, mimeObject, "return=representation", &student)
	if err != nil {
		return types.Student{}, err
	}
	return student, nil
}

// UpdateStudent issues update-by-identifier with every editable field.
func (c *Client) UpdateStudent(ctx context.Context, p storage.Principal, id string, in types.StudentInput) (types.Student, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+id)

	var student types.Student
	if err := c.do(ctx, p, storage.OpUpdate, http.MethodPatch, q, in, mimeObject, "return=representation", &student); err != nil {
		return types.Student{}, err
	}
	return student, nil
}

// DeleteStudent issues delete-by-identifier. The deleted rows are returned
// so a delete that matched nothing can be reported as not found.
func (c *Client) DeleteStudent(ctx context.Context, p storage.Principal, id string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("select", "id")

	var deleted []struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, p, storage.OpDelete, http.MethodDelete, q, nil, mimeJSON, "return=representation", &deleted); err != nil {
		return err
	}
	if len(deleted) == 0 {
		return apperr.New(apperr.NotFound, storage.OpDelete, "student not found", nil)
	}
	return nil
}

// do performs one round trip and decodes a 2xx body into out. Any failure is
// returned as an *apperr.Error.
func (c *Client) do(ctx context.Context, p storage.Principal, op, method string, q url.Values, body any, accept, prefer string, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperr.New(apperr.Unknown, op, "", fmt.Errorf("encode body: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := c.baseURL + "/rest/v1/" + table + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return apperr.New(apperr.Unknown, op, "", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("apikey", c.apiKey)
	token := p.AccessToken
	if token == "" {
		token = c.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", mimeJSON)
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(op, err)
	}

	if resp.StatusCode >= 300 {
		return responseError(op, resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.New(apperr.Unknown, op, "", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// apiError is the error body the data API returns.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// responseError normalises an error response into an apperr.Kind.
func responseError(op string, status int, raw []byte) error {
	var body apiError
	_ = json.Unmarshal(raw, &body)
	cause := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(raw)))

	return apperr.New(classify(status, body.Code), op, userMessage(status, body), cause)
}

func classify(status int, code string) apperr.Kind {
	switch {
	case code == "PGRST116" || status == http.StatusNotFound:
		return apperr.NotFound
	case code == "42501" || strings.HasPrefix(code, "PGRST3") ||
		status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Permission
	case strings.HasPrefix(code, "23") || strings.HasPrefix(code, "22") ||
		status == http.StatusBadRequest || status == http.StatusConflict ||
		status == http.StatusUnprocessableEntity:
		return apperr.Validation
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout:
		return apperr.Network
	default:
		return apperr.Unknown
	}
}

func userMessage(status int, body apiError) string {
	if body.Code == "PGRST116" || status == http.StatusNotFound {
		return "student not found"
	}
	if body.Message != "" {
		return body.Message
	}
	return http.StatusText(status)
}

func transportError(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return apperr.New(apperr.Network, op, "the data service did not respond in time", err)
	case errors.Is(err, context.Canceled):
		return apperr.New(apperr.Network, op, "the request was cancelled", err)
	default:
		return apperr.New(apperr.Network, op, "could not reach the data service", err)
	}
}

// escapeLike makes %, _ and \ in a search term match literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// quote wraps a filter value in double quotes so reserved characters such
// as commas and parentheses are not parsed as filter syntax.
func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
