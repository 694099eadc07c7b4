// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Nutomic/ibis-sub001/services/wiki/keys"
	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

// ErrUnsigned is returned for inbound requests without a usable signature.
var ErrUnsigned = errors.New("request not signed")

const (
	signedHeaders = "(request-target) host date digest"
	maxClockSkew  = time.Hour
)

// Signer signs on behalf of local actors.
type Signer interface {
	Sign(ctx context.Context, actor model.ObjectID, msg []byte) ([]byte, error)
}

// KeyLookup returns the PEM public key of an actor.
type KeyLookup func(ctx context.Context, actor model.ObjectID) (string, error)

func digestOf(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

func signingString(method, target, host, date, digest string) string {
	return "(request-target): " + strings.ToLower(method) + " " + target +
		"\nhost: " + host +
		"\ndate: " + date +
		"\ndigest: " + digest
}

// SignRequest adds Date, Digest and Signature headers to req.
func SignRequest(ctx context.Context, req *http.Request, body []byte, actor model.ObjectID, signer Signer) error {
	date := time.Now().UTC().Format(http.TimeFormat)
	digest := digestOf(body)
	req.Header.Set("Date", date)
	req.Header.Set("Digest", digest)

	msg := signingString(req.Method, req.URL.RequestURI(), req.URL.Host, date, digest)
	sig, err := signer.Sign(ctx, actor, []byte(msg))
	if err != nil {
		return fmt.Errorf("sign request as %s: %w", actor, err)
	}
	req.Header.Set("Signature", fmt.Sprintf(`keyId="%s#main-key",algorithm="ed25519",headers="%s",signature="%s"`,
		actor, signedHeaders, base64.StdEncoding.EncodeToString(sig)))
	return nil
}

// VerifyRequest checks the signature of an inbound request and returns the
// actor that signed it.
func VerifyRequest(ctx context.Context, r *http.Request, body []byte, lookup KeyLookup) (model.ObjectID, error) {
	params := parseSignature(r.Header.Get("Signature"))
	keyID, sigB64 := params["keyId"], params["signature"]
	if keyID == "" || sigB64 == "" {
		return "", ErrUnsigned
	}
	if params["headers"] != "" && params["headers"] != signedHeaders {
		return "", fmt.Errorf("%w: unsupported headers %q", ErrUnsigned, params["headers"])
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return "", fmt.Errorf("%w: signature encoding: %w", ErrUnsigned, err)
	}
	digest := r.Header.Get("Digest")
	if digest != digestOf(body) {
		return "", fmt.Errorf("%w: digest mismatch", keys.ErrBadSignature)
	}
	date := r.Header.Get("Date")
	when, err := http.ParseTime(date)
	if err != nil {
		return "", fmt.Errorf("%w: date: %w", ErrUnsigned, err)
	}
	if skew := time.Since(when); skew > maxClockSkew || skew < -maxClockSkew {
		return "", fmt.Errorf("%w: date outside allowed skew", keys.ErrBadSignature)
	}

	owner, _, _ := strings.Cut(keyID, "#")
	pem, err := lookup(ctx, model.ObjectID(owner))
	if err != nil {
		return "", fmt.Errorf("look up key %s: %w", keyID, err)
	}
	msg := signingString(r.Method, r.URL.RequestURI(), r.Host, date, digest)
	if err := keys.Verify(pem, []byte(msg), sig); err != nil {
		return "", err
	}
	return model.ObjectID(owner), nil
}

// parseSignature splits a Signature header into its quoted parameters.
func parseSignature(h string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(h, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		out[k] = strings.Trim(v, `"`)
	}
	return out
}
