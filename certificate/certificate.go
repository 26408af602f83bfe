// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

// Package certificate summarizes the certificates and precertificates found in log entries.
package certificate

import (
	"errors"
	"fmt"
	"time"

	ctx509 "github.com/google/certificate-transparency-go/x509"
	"golang.org/x/net/idna"
)

type NameKind string

const (
	Hostname NameKind = "dns"
	Address  NameKind = "ip"
	Email    NameKind = "email"
	URI      NameKind = "uri"
)

type AlternateName struct {
	Kind  NameKind `json:"kind"`
	Value string   `json:"value"`
}

// String returns the name for display, converting IDNA hostnames to Unicode.
func (name AlternateName) String() string {
	if name.Kind == Hostname {
		if unicode, err := idna.ToUnicode(name.Value); err == nil {
			return unicode
		}
	}
	return name.Value
}

type Validity struct {
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
}

// Contains reports whether t falls within the validity period.
func (v Validity) Contains(t time.Time) bool {
	return !t.Before(v.NotBefore) && !t.After(v.NotAfter)
}

type Certificate struct {
	Issuer         string          `json:"issuer,omitempty"`       // first organization of the issuer
	Organization   string          `json:"organization,omitempty"` // first organization of the subject
	SubjectName    string          `json:"subject_name,omitempty"` // subject common name
	Authority      bool            `json:"authority"`
	AlternateNames []AlternateName `json:"alternate_names,omitempty"`
	Validity       Validity        `json:"validity"`
	Encoded        []byte          `json:"-"`
}

// Parse summarizes a DER-encoded certificate, or the bare TBSCertificate
// logged for a precertificate.  Non-fatal parse errors are ignored.
func Parse(der []byte) (*Certificate, error) {
	cert, err := ctx509.ParseCertificate(der)
	if ctx509.IsFatal(err) {
		var tbsErr error
		cert, tbsErr = ctx509.ParseTBSCertificate(der)
		if ctx509.IsFatal(tbsErr) {
			return nil, fmt.Errorf("error parsing certificate: %w", errors.Join(err, tbsErr))
		}
	}
	if cert == nil {
		return nil, errors.New("error parsing certificate: no certificate returned")
	}

	summary := &Certificate{
		Issuer:       first(cert.Issuer.Organization),
		Organization: first(cert.Subject.Organization),
		SubjectName:  cert.Subject.CommonName,
		Authority:    cert.BasicConstraintsValid && cert.IsCA,
		Validity:     Validity{NotBefore: cert.NotBefore, NotAfter: cert.NotAfter},
		Encoded:      der,
	}
	add := func(kind NameKind, value string) {
		if value == summary.SubjectName {
			return
		}
		summary.AlternateNames = append(summary.AlternateNames, AlternateName{Kind: kind, Value: value})
	}
	for _, name := range cert.DNSNames {
		add(Hostname, name)
	}
	for _, ip := range cert.IPAddresses {
		add(Address, ip.String())
	}
	for _, email := range cert.EmailAddresses {
		add(Email, email)
	}
	for _, uri := range cert.URIs {
		add(URI, uri.String())
	}
	return summary, nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
