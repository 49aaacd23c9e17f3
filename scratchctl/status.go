package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bringyour/scratch/cloud"
)

// Status serves the state of a requests server as json.
type Status struct {
	config   *RequestsConfig
	requests *cloud.CloudRequests

	startTime time.Time

	stateLock       sync.Mutex
	requestCount    int
	unknownCount    int
	errorCount      int
	lastRequestTime time.Time
	lastError       string
}

func NewStatus(config *RequestsConfig, requests *cloud.CloudRequests) *Status {
	status := &Status{
		config:    config,
		requests:  requests,
		startTime: time.Now(),
	}
	requests.OnRequest(status.request)
	requests.OnUnknownRequest(status.unknown)
	requests.OnError(status.error)
	return status
}

func (self *Status) request(request *cloud.Request) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.requestCount += 1
	self.lastRequestTime = time.Now()
}

func (self *Status) unknown(request *cloud.Request) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.unknownCount += 1
}

func (self *Status) error(request *cloud.Request, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.errorCount += 1
	self.lastError = fmt.Sprintf("%s: %s", request.Name, err)
}

func (self *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type RequestsStatusResult struct {
		Version         string   `json:"version"`
		Status          string   `json:"status"`
		Host            string   `json:"host"`
		ProjectId       string   `json:"project_id"`
		Requests        []string `json:"requests"`
		UptimeSeconds   int64    `json:"uptime_seconds"`
		RequestCount    int      `json:"request_count"`
		UnknownCount    int      `json:"unknown_count"`
		ErrorCount      int      `json:"error_count"`
		LastRequestTime string   `json:"last_request_time,omitempty"`
		LastError       string   `json:"last_error,omitempty"`
	}

	status := "ok"
	select {
	case <-self.requests.Done():
		status = "stopped"
	default:
	}

	self.stateLock.Lock()
	result := &RequestsStatusResult{
		Version:       ScratchCtlVersion,
		Status:        status,
		Host:          self.config.Host,
		ProjectId:     self.config.ProjectId,
		Requests:      self.requests.RequestNames(),
		UptimeSeconds: int64(time.Since(self.startTime) / time.Second),
		RequestCount:  self.requestCount,
		UnknownCount:  self.unknownCount,
		ErrorCount:    self.errorCount,
		LastError:     self.lastError,
	}
	if !self.lastRequestTime.IsZero() {
		result.LastRequestTime = self.lastRequestTime.UTC().Format(time.RFC3339)
	}
	self.stateLock.Unlock()

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func newStatusServer(port int, status *Status) *http.Server {
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: status,
	}
}
