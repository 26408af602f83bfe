// Copyright (C) 2020 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

package loglist

import (
	"strings"
	"time"

	"github.com/tracertea/src/ctstream/cttypes"
)

// List is a log list in the format of https://www.gstatic.com/ct/log_list/v3/log_list_schema.json.

type List struct {
	Version          string     `json:"version"`
	LogListTimestamp time.Time  `json:"log_list_timestamp"` // Only present in v3 of schema
	Operators        []Operator `json:"operators"`
}

type Operator struct {
	Name      string   `json:"name"`
	Email     []string `json:"email"`
	Logs      []Log    `json:"logs"`
	TiledLogs []Log    `json:"tiled_logs"`
}

type Log struct {
	Key              []byte        `json:"key"`
	LogID            cttypes.LogID `json:"log_id"`
	MMD              int           `json:"mmd"`
	URL              string        `json:"url,omitempty"`            // only for rfc6962 logs
	SubmissionURL    string        `json:"submission_url,omitempty"` // only for static-ct-api logs
	MonitoringURL    string        `json:"monitoring_url,omitempty"` // only for static-ct-api logs
	Description      string        `json:"description"`
	State            State         `json:"state"`
	DNS              string        `json:"dns"`
	LogType          LogType       `json:"log_type"`
	TemporalInterval *struct {
		StartInclusive time.Time `json:"start_inclusive"`
		EndExclusive   time.Time `json:"end_exclusive"`
	} `json:"temporal_interval"`

	// certspotter-specific extensions
	CertspotterDownloadSize int `json:"certspotter_download_size,omitempty"`
	CertspotterDownloadJobs int `json:"certspotter_download_jobs,omitempty"`

	// TODO: add previous_operators
}

// IsRFC6962 reports whether the log serves the get-entries API.  Logs
// that only speak static-ct-api have no URL.
func (log *Log) IsRFC6962() bool { return log.URL != "" }

// BatchSize returns the number of entries to request per get-entries
// range, or 0 if the list has no preference.
func (log *Log) BatchSize() uint64 {
	if log.CertspotterDownloadSize > 0 {
		return uint64(log.CertspotterDownloadSize)
	}
	return 0
}

// Workers returns the number of concurrent download workers the log
// tolerates, or 0 if the list has no preference.
func (log *Log) Workers() int {
	return max(log.CertspotterDownloadJobs, 0)
}

func normalizeURL(u string) string {
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	return strings.TrimSuffix(u, "/")
}

type State struct {
	Pending *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"pending"`

	Qualified *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"qualified"`

	Usable *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"usable"`

	Readonly *struct {
		Timestamp     time.Time `json:"timestamp"`
		FinalTreeHead struct {
			TreeSize       int64  `json:"tree_size"`
			SHA256RootHash []byte `json:"sha256_root_hash"`
		} `json:"final_tree_head"`
	} `json:"readonly"`

	Retired *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"retired"`

	Rejected *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"rejected"`
}

func (state *State) IsApproved() bool {
	return state.Qualified != nil || state.Usable != nil || state.Readonly != nil
}

type LogType string

const (
	LogTypeProd LogType = "prod"
	LogTypeTest LogType = "test"
)
