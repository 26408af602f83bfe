// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

package loglist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

var UserAgent = "ctstream-loglist"

// Load reads a log list from urlOrFile, which is either an http(s) URL or
// the path to a local file.
func Load(ctx context.Context, urlOrFile string) (*List, error) {
	content, err := ReadSource(ctx, urlOrFile)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

func ReadSource(ctx context.Context, urlOrFile string) ([]byte, error) {
	if strings.HasPrefix(urlOrFile, "https://") || strings.HasPrefix(urlOrFile, "http://") {
		return readURL(ctx, urlOrFile)
	}
	content, err := os.ReadFile(urlOrFile)
	if err != nil {
		return nil, fmt.Errorf("error reading log list: %w", err)
	}
	return content, nil
}

func readURL(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("User-Agent", UserAgent)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("error retrieving log list from %s: %w", url, err)
	}
	defer response.Body.Close()
	content, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading log list from %s: %w", url, err)
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error retrieving log list from %s: %s", url, response.Status)
	}
	return content, nil
}

func Unmarshal(content []byte) (*List, error) {
	list := new(List)
	if err := json.Unmarshal(content, list); err != nil {
		return nil, fmt.Errorf("error parsing log list: %w", err)
	}
	return list, nil
}

// AllLogs returns every RFC6962 log in the list, regardless of state.
func (list *List) AllLogs() []*Log {
	var logs []*Log
	for operator := range list.Operators {
		for log := range list.Operators[operator].Logs {
			if list.Operators[operator].Logs[log].IsRFC6962() {
				logs = append(logs, &list.Operators[operator].Logs[log])
			}
		}
	}
	return logs
}

// FindByURL returns the RFC6962 log whose URL matches u, ignoring the scheme
// and any trailing slash, or nil if there is none.
func (list *List) FindByURL(u string) *Log {
	for _, log := range list.AllLogs() {
		if normalizeURL(log.URL) == normalizeURL(u) {
			return log
		}
	}
	return nil
}
