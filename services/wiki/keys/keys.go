// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package keys holds the signing keys of local actors.
//
// # Description
//
// Every local actor (the instance and each local person) owns an Ed25519
// keypair. The public half is published in the actor document as PEM. The
// private half is persisted through Store and, once loaded, kept in a
// memguard enclave so it is encrypted at rest in process memory and only
// decrypted for the duration of a signature.
//
// A Keyring is constructed once at startup and passed to the components
// that sign.
//
// # Thread Safety
//
// Keyring is safe for concurrent use.
package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

var (
	// ErrNoKey is returned when signing for an actor without a private key.
	ErrNoKey = errors.New("no private key for actor")
	// ErrBadSignature is returned by Verify for signatures that do not match.
	ErrBadSignature = errors.New("signature mismatch")
)

// Store persists private keys as PKCS#8 DER.
type Store interface {
	PutPrivateKey(ctx context.Context, actor model.ObjectID, der []byte) error
	PrivateKey(ctx context.Context, actor model.ObjectID) ([]byte, error)
}

// Keyring signs on behalf of local actors.
type Keyring struct {
	store    Store
	mu       sync.Mutex
	enclaves map[model.ObjectID]*memguard.Enclave
}

// NewKeyring creates a Keyring over store.
func NewKeyring(store Store) *Keyring {
	return &Keyring{store: store, enclaves: make(map[model.ObjectID]*memguard.Enclave)}
}

// Generate creates and persists a keypair for actor and returns the public
// key as PEM.
func (k *Keyring) Generate(ctx context.Context, actor model.ObjectID) (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key for %s: %w", actor, err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	if err := k.store.PutPrivateKey(ctx, actor, der); err != nil {
		return "", fmt.Errorf("store private key for %s: %w", actor, err)
	}
	k.mu.Lock()
	k.enclaves[actor] = memguard.NewEnclave(der)
	k.mu.Unlock()
	return EncodePublicKey(pub)
}

func (k *Keyring) enclave(ctx context.Context, actor model.ObjectID) (*memguard.Enclave, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.enclaves[actor]; ok {
		return e, nil
	}
	der, err := k.store.PrivateKey(ctx, actor)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoKey, actor)
	}
	if err != nil {
		return nil, err
	}
	e := memguard.NewEnclave(der)
	k.enclaves[actor] = e
	return e, nil
}

// Sign signs msg with the private key of actor.
func (k *Keyring) Sign(ctx context.Context, actor model.ObjectID, msg []byte) ([]byte, error) {
	e, err := k.enclave(ctx, actor)
	if err != nil {
		return nil, err
	}
	buf, err := e.Open()
	if err != nil {
		return nil, fmt.Errorf("open key enclave for %s: %w", actor, err)
	}
	defer buf.Destroy()

	parsed, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parse private key for %s: %w", actor, err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key for %s is %T, not ed25519", actor, parsed)
	}
	return ed25519.Sign(priv, msg), nil
}

// EncodePublicKey renders a public key as PKIX PEM.
func EncodePublicKey(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKey reads a PKIX PEM Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not ed25519", parsed)
	}
	return pub, nil
}

// Verify checks sig over msg against a PEM public key.
func Verify(publicPEM string, msg, sig []byte) error {
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// Purge wipes every enclave. Call once at shutdown.
func Purge() {
	memguard.Purge()
}
