package schoolsvc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/trezcool/clearance/core"
	"github.com/trezcool/clearance/core/flag"
	"github.com/trezcool/clearance/core/notification"
)

var errNotFound = errors.New("resource not found")

type client struct {
	baseURL string
	apiKey  string
}

func newClient(conf core.EndpointConfig) client {
	return client{baseURL: strings.TrimSuffix(conf.BaseURL, "/"), apiKey: conf.APIKey}
}

// do sends a JSON request and decodes a JSON answer into `out` (if not nil). 404 returns errNotFound.
func (c client) do(ctx context.Context, method rest.Method, path string, in, out interface{}) error {
	req := rest.Request{
		Method:  method,
		BaseURL: c.baseURL + path,
		Headers: map[string]string{
			"Authorization": "Bearer " + c.apiKey,
			"Accept":        "application/json",
		},
	}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		req.Body = body
		req.Headers["Content-Type"] = "application/json"
	}

	res, err := rest.SendWithContext(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	switch {
	case res.StatusCode == http.StatusNotFound:
		return errNotFound
	case res.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("%s %s: status %d: %s", method, path, res.StatusCode, res.Body)
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.Unmarshal([]byte(res.Body), out), "decoding %s", path)
}

type (
	// AttendanceClient resolves sessions against the attendance service.
	AttendanceClient struct {
		client
	}

	sessionResponse struct {
		ID        string    `json:"id"`
		StudentID string    `json:"student_id"`
		TeacherID string    `json:"teacher_id"`
		StartsAt  time.Time `json:"starts_at"`
	}
)

var _ flag.SessionResolver = (*AttendanceClient)(nil)

func NewAttendanceClient(conf core.EndpointConfig) *AttendanceClient {
	return &AttendanceClient{newClient(conf)}
}

func (c *AttendanceClient) ResolveSession(ctx context.Context, studentID, sessionID string) (flag.Session, error) {
	var res sessionResponse
	path := "/students/" + url.PathEscape(studentID) + "/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, rest.Get, path, nil, &res); err != nil {
		if err == errNotFound {
			return flag.Session{}, errors.Wrapf(flag.ErrInvalidSession, "session %s of student %s", sessionID, studentID)
		}
		return flag.Session{}, err
	}
	return flag.Session{ID: res.ID, StudentID: res.StudentID, TeacherID: res.TeacherID, StartsAt: res.StartsAt}, nil
}

type (
	// DirectoryClient reads parent contacts and uploaded documents from the school directory.
	DirectoryClient struct {
		client
	}

	contactResponse struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Channel string `json:"preferred_channel"`
		Email   string `json:"email"`
		Phone   string `json:"phone"`
	}

	documentsLookup struct {
		IDs []string `json:"ids"`
	}

	documentsLookupResponse struct {
		Missing []string `json:"missing"`
	}
)

var (
	_ flag.ContactDirectory = (*DirectoryClient)(nil)
	_ flag.DocumentStore    = (*DirectoryClient)(nil)
)

func NewDirectoryClient(conf core.EndpointConfig) *DirectoryClient {
	return &DirectoryClient{newClient(conf)}
}

func (c *DirectoryClient) ParentContact(ctx context.Context, studentID string) (flag.Contact, error) {
	var res contactResponse
	if err := c.do(ctx, rest.Get, "/students/"+url.PathEscape(studentID)+"/parent", nil, &res); err != nil {
		if err == errNotFound {
			return flag.Contact{}, errors.Wrap(flag.ErrContactNotFound, studentID)
		}
		return flag.Contact{}, err
	}

	ch, ok := notification.ParseChannel(res.Channel)
	if !ok {
		ch = notification.ChannelEmail
	}
	contact := flag.Contact{RecipientID: res.ID, Name: res.Name, Channel: ch}
	switch ch {
	case notification.ChannelEmail:
		contact.Address = res.Email
	case notification.ChannelSMS, notification.ChannelCall:
		contact.Address = res.Phone
	}
	return contact, nil
}

func (c *DirectoryClient) Missing(ctx context.Context, documentIDs []string) ([]string, error) {
	var res documentsLookupResponse
	if err := c.do(ctx, rest.Post, "/documents/lookup", documentsLookup{IDs: documentIDs}, &res); err != nil {
		return nil, err
	}
	return res.Missing, nil
}
