package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const ScratchCloudLogUrl = "https://clouddata.scratch.mit.edu/logs"

const defaultHttpTimeout = 30 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

const DefaultLogLimit = 100

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// the log stores numbers as json numbers or strings depending on the writer
type CloudLogValue string

func (self *CloudLogValue) UnmarshalJSON(src []byte) error {
	*self = CloudLogValue(rawValueString(src))
	return nil
}

type CloudLogEntry struct {
	User string `json:"user"`
	// set_var, create_var, del_var
	Verb  string        `json:"verb"`
	Name  string        `json:"name"`
	Value CloudLogValue `json:"value"`
	// millis since epoch
	Timestamp int64 `json:"timestamp"`
}

// Cause strips the `_var` suffix from the verb.
func (self *CloudLogEntry) Cause() string {
	cause := strings.TrimSuffix(self.Verb, "_var")
	if cause == "del" {
		return CauseDelete
	}
	return cause
}

func (self *CloudLogEntry) LocalName() string {
	return LocalName(self.Name)
}

// Client for the cloud variable log http endpoint.
// Entries are returned newest first.
type CloudLogApi struct {
	logUrl string
	client *http.Client
}

func NewScratchCloudLogApi() *CloudLogApi {
	return NewCloudLogApi(ScratchCloudLogUrl)
}

func NewCloudLogApi(logUrl string) *CloudLogApi {
	return &CloudLogApi{
		logUrl: logUrl,
		client: defaultClient(),
	}
}

func (self *CloudLogApi) Logs(ctx context.Context, projectId string, limit int, offset int) ([]*CloudLogEntry, error) {
	u, err := url.Parse(self.logUrl)
	if err != nil {
		return nil, err
	}
	query := u.Query()
	query.Set("projectid", projectId)
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))
	u.RawQuery = query.Encode()

	return getJson(ctx, self.client, u.String(), []*CloudLogEntry{})
}

// GetVar returns the latest logged value of one variable.
func (self *CloudLogApi) GetVar(ctx context.Context, projectId string, name string) (string, bool, error) {
	entries, err := self.Logs(ctx, projectId, DefaultLogLimit, 0)
	if err != nil {
		return "", false, err
	}
	for _, entry := range entries {
		if entry.LocalName() == name {
			if entry.Cause() == CauseDelete {
				return "", false, nil
			}
			return string(entry.Value), true, nil
		}
	}
	return "", false, nil
}

// GetAllVars returns the latest logged value per variable.
func (self *CloudLogApi) GetAllVars(ctx context.Context, projectId string) (map[string]string, error) {
	entries, err := self.Logs(ctx, projectId, DefaultLogLimit, 0)
	if err != nil {
		return nil, err
	}
	return latestValues(entries), nil
}

// entries are newest first
func latestValues(entries []*CloudLogEntry) map[string]string {
	values := map[string]string{}
	deleted := map[string]bool{}
	for _, entry := range entries {
		name := entry.LocalName()
		if _, ok := values[name]; ok {
			continue
		}
		if deleted[name] {
			continue
		}
		if entry.Cause() == CauseDelete {
			deleted[name] = true
			continue
		}
		values[name] = string(entry.Value)
	}
	return values
}

func getJson[R any](ctx context.Context, client *http.Client, url string, result R) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		return empty, err
	}
	req.Header.Add("Accept", "application/json")

	r, err := client.Do(req)
	if err != nil {
		var empty R
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		var empty R
		return empty, err
	}

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = r.Status
		}
		var empty R
		return empty, errors.New(errorMessage)
	}

	if err := json.Unmarshal(responseBodyBytes, &result); err != nil {
		var empty R
		return empty, fmt.Errorf("Bad log response: %w", err)
	}
	return result, nil
}
