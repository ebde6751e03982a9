// Copyright 2026 The Proxyvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gdamore/proxyvisor"
	"github.com/gdamore/proxyvisor/certstore"
	"github.com/gdamore/proxyvisor/routing"
)

// Client talks to a Handler.
type Client struct {
	base   string // URI to root of tree on server
	client *http.Client
}

// Backlog is a snapshot of a task's output.  Etag is passed back to
// WatchBacklog to wait for more.
type Backlog struct {
	Etag    string
	Entries []proxyvisor.Entry
}

func (c *Client) url(name string) string {
	if name == "" {
		return c.base + "/tasks"
	}
	return c.base + "/tasks/" + url.PathEscape(name)
}

func decodeError(res *http.Response) error {
	e := &Error{}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if json.Unmarshal(body, e) != nil || e.Message == "" {
		e.Message = res.Status
	}
	e.Code = res.StatusCode
	return e
}

// poll issues a GET, optionally conditional on etag and willing to wait
// up to secs for a change.  The return value is the new Etag, or "" if
// nothing changed.
func (c *Client) poll(ctx context.Context, u string, etag string, secs int, v interface{}) (string, error) {
	if etag != "" && secs > 0 {
		u += "?wait=" + strconv.Itoa(secs)
	}
	req, e := http.NewRequestWithContext(ctx, "GET", u, nil)
	if e != nil {
		return "", e
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	res, e := c.client.Do(req)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", decodeError(res)
	}
	if e := json.NewDecoder(res.Body).Decode(v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

// send issues a request with an optional JSON body, decoding any JSON
// reply into out.
func (c *Client) send(ctx context.Context, method, u string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, e := json.Marshal(in)
		if e != nil {
			return e
		}
		body = bytes.NewReader(b)
	} else {
		body = strings.NewReader("")
	}
	req, e := http.NewRequestWithContext(ctx, method, u, body)
	if e != nil {
		return e
	}
	req.Header.Set("Content-Type", mimeJson)
	res, e := c.client.Do(req)
	if e != nil {
		return e
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return decodeError(res)
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}

// Info returns the supervisor summary.
func (c *Client) Info(ctx context.Context) (*proxyvisor.ManagerInfo, error) {
	info := &proxyvisor.ManagerInfo{}
	if _, e := c.poll(ctx, c.base+"/", "", 0, info); e != nil {
		return nil, e
	}
	return info, nil
}

// Tasks lists every task along with an Etag for WatchTasks.
func (c *Client) Tasks(ctx context.Context) ([]*proxyvisor.TaskInfo, string, error) {
	var v []*proxyvisor.TaskInfo
	etag, e := c.poll(ctx, c.url(""), "", 0, &v)
	return v, etag, e
}

// WatchTasks waits up to secs for the task list to differ from etag.  If
// nothing changed the list is nil and the etag is returned unchanged.
func (c *Client) WatchTasks(ctx context.Context, etag string, secs int) ([]*proxyvisor.TaskInfo, string, error) {
	var v []*proxyvisor.TaskInfo
	ntag, e := c.poll(ctx, c.url(""), etag, secs, &v)
	if e != nil {
		return nil, etag, e
	}
	if ntag == "" {
		return nil, etag, nil
	}
	return v, ntag, nil
}

func (c *Client) Task(ctx context.Context, id string) (*proxyvisor.TaskInfo, error) {
	v := &proxyvisor.TaskInfo{}
	if _, e := c.poll(ctx, c.url(id), "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

// AddTask adds a task under a fresh identifier, which is returned.
func (c *Client) AddTask(ctx context.Context, t proxyvisor.Task) (string, error) {
	v := &AddedTask{}
	if e := c.send(ctx, "POST", c.url(""), &t, v); e != nil {
		return "", e
	}
	return v.ID, nil
}

// PutTask adds or redefines the task id.
func (c *Client) PutTask(ctx context.Context, id string, t proxyvisor.Task) error {
	return c.send(ctx, "PUT", c.url(id), &t, nil)
}

// ApplyTasks replaces the whole task set.
func (c *Client) ApplyTasks(ctx context.Context, set map[string]proxyvisor.Task) error {
	return c.send(ctx, "PUT", c.url(""), set, nil)
}

func (c *Client) RemoveTask(ctx context.Context, id string) error {
	return c.send(ctx, "DELETE", c.url(id), nil, nil)
}

func (c *Client) StartTask(ctx context.Context, id string) error {
	return c.send(ctx, "POST", c.url(id)+"/start", nil, nil)
}

func (c *Client) StopTask(ctx context.Context, id string) error {
	return c.send(ctx, "POST", c.url(id)+"/stop", nil, nil)
}

// GetBacklog returns a task's output.
func (c *Client) GetBacklog(ctx context.Context, id string) (*Backlog, error) {
	return c.WatchBacklog(ctx, id, nil, 0)
}

// WatchBacklog waits up to secs for output newer than last.  If none
// arrives, last is returned.
func (c *Client) WatchBacklog(ctx context.Context, id string, last *Backlog, secs int) (*Backlog, error) {
	return c.pollBacklog(ctx, c.url(id)+"/backlog", last, secs)
}

// GetLog returns the daemon's own log.
func (c *Client) GetLog(ctx context.Context) (*Backlog, error) {
	return c.WatchLog(ctx, nil, 0)
}

// WatchLog is WatchBacklog for the daemon's own log.
func (c *Client) WatchLog(ctx context.Context, last *Backlog, secs int) (*Backlog, error) {
	return c.pollBacklog(ctx, c.base+"/log", last, secs)
}

func (c *Client) pollBacklog(ctx context.Context, u string, last *Backlog, secs int) (*Backlog, error) {
	etag := ""
	if last != nil {
		etag = last.Etag
	}
	v := &Backlog{}
	ntag, e := c.poll(ctx, u, etag, secs, &v.Entries)
	if e != nil {
		return nil, e
	}
	if ntag == "" {
		return last, nil
	}
	v.Etag = ntag
	return v, nil
}

// Rules returns the rules in force, along with their redirects.
func (c *Client) Rules(ctx context.Context) (*RulesBody, error) {
	v := &RulesBody{}
	if _, e := c.poll(ctx, c.base+"/rules", "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) ApplyRules(ctx context.Context, rules routing.Rules, redirects []string) error {
	return c.send(ctx, "PUT", c.base+"/rules",
		&RulesBody{Rules: rules, Redirects: redirects}, nil)
}

func (c *Client) ApplyTLSConfig(ctx context.Context, tc certstore.Config) error {
	return c.send(ctx, "PUT", c.base+"/tls", &tc, nil)
}

// Certificate describes the certificate host would be served.
func (c *Client) Certificate(ctx context.Context, host string) (*CertificateInfo, error) {
	v := &CertificateInfo{}
	u := c.base + "/certificates/" + url.PathEscape(host)
	if _, e := c.poll(ctx, u, "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

// NewClient returns a Client handle.  The transport may be nil to use a
// default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t http.RoundTripper, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	return &Client{
		base:   strings.TrimSuffix(baseURI, "/"),
		client: &http.Client{Transport: t},
	}
}
