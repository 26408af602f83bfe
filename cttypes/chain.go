// Copyright (C) 2025 Opsmate, Inc.
//
// This Source Code Form is subject to the terms of the Mozilla
// Public License, v. 2.0. If a copy of the MPL was not distributed
// with this file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This software is distributed WITHOUT A WARRANTY OF ANY KIND.
// See the Mozilla Public License for details.

package cttypes

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

func readASN1CertList(s *cryptobyte.String) ([][]byte, bool) {
	var list cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&list) {
		return nil, false
	}
	var certs [][]byte
	for !list.Empty() {
		var cert cryptobyte.String
		if !list.ReadUint24LengthPrefixed(&cert) {
			return nil, false
		}
		certs = append(certs, cert)
	}
	return certs, true
}

// ParseX509ChainEntry parses the extra_data of an x509_entry: the issuing
// chain, leaf's issuer first.
func ParseX509ChainEntry(extraData []byte) ([][]byte, error) {
	s := cryptobyte.String(extraData)
	chain, ok := readASN1CertList(&s)
	if !ok || !s.Empty() {
		return nil, errors.New("extra_data is not a valid X509ChainEntry")
	}
	return chain, nil
}

// ParsePrecertChainEntry parses the extra_data of a precert_entry into the
// submitted precertificate and its issuing chain.
func ParsePrecertChainEntry(extraData []byte) ([]byte, [][]byte, error) {
	s := cryptobyte.String(extraData)
	var precert cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&precert) {
		return nil, nil, errors.New("extra_data is not a valid PrecertChainEntry: missing pre_certificate")
	}
	chain, ok := readASN1CertList(&s)
	if !ok || !s.Empty() {
		return nil, nil, errors.New("extra_data is not a valid PrecertChainEntry: malformed precertificate_chain")
	}
	return precert, chain, nil
}
