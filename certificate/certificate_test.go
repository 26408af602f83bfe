// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.
package certificate

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var (
	notBefore = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter  = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
)

func makeCert(t *testing.T, isCA bool) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	uri, _ := url.Parse("https://example.com/id")
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "www.example.com", Organization: []string{"Example Org"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		DNSNames:              []string{"www.example.com", "xn--bcher-kva.example"},
		IPAddresses:           []net.IP{net.ParseIP("192.0.2.1")},
		EmailAddresses:        []string{"admin@example.com"},
		URIs:                  []*url.URL{uri},
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func TestParse(t *testing.T) {
	cert := makeCert(t, false)
	want := &Certificate{
		Issuer:       "Example Org",
		Organization: "Example Org",
		SubjectName:  "www.example.com",
		AlternateNames: []AlternateName{
			{Kind: Hostname, Value: "xn--bcher-kva.example"},
			{Kind: Address, Value: "192.0.2.1"},
			{Kind: Email, Value: "admin@example.com"},
			{Kind: URI, Value: "https://example.com/id"},
		},
		Validity: Validity{NotBefore: notBefore, NotAfter: notAfter},
	}

	for _, test := range []struct {
		desc string
		der  []byte
	}{
		{desc: "certificate", der: cert.Raw},
		{desc: "tbs certificate", der: cert.RawTBSCertificate},
	} {
		t.Run(test.desc, func(t *testing.T) {
			got, err := Parse(test.der)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Certificate{}, "Encoded")); diff != "" {
				t.Errorf("Parse diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseAuthority(t *testing.T) {
	got, err := Parse(makeCert(t, true).Raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.Authority {
		t.Errorf("Authority = false, want true")
	}
}

func TestParseGarbage(t *testing.T) {
	if got, err := Parse([]byte("certificate #3")); err == nil {
		t.Errorf("Parse(garbage) = %+v, want error", got)
	}
}

func TestAlternateNameString(t *testing.T) {
	for _, test := range []struct {
		name AlternateName
		want string
	}{
		{AlternateName{Kind: Hostname, Value: "xn--bcher-kva.example"}, "bücher.example"},
		{AlternateName{Kind: Hostname, Value: "www.example.com"}, "www.example.com"},
		{AlternateName{Kind: Email, Value: "xn--a@example.com"}, "xn--a@example.com"},
	} {
		if got := test.name.String(); got != test.want {
			t.Errorf("%+v.String() = %q, want %q", test.name, got, test.want)
		}
	}
}

func TestValidityContains(t *testing.T) {
	v := Validity{NotBefore: notBefore, NotAfter: notAfter}
	for _, test := range []struct {
		t    time.Time
		want bool
	}{
		{notBefore.Add(-time.Second), false},
		{notBefore, true},
		{notBefore.Add(24 * time.Hour), true},
		{notAfter, true},
		{notAfter.Add(time.Second), false},
	} {
		if got := v.Contains(test.t); got != test.want {
			t.Errorf("Contains(%v) = %v, want %v", test.t, got, test.want)
		}
	}
}
