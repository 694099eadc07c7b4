// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/Nutomic/ibis-sub001/services/wiki/model"
)

// ErrLocalInstanceExists is returned when bootstrapping a second local
// instance.
var ErrLocalInstanceExists = errors.New("local instance already exists")

// CreateLocalInstance stores inst as the one local instance.
func (s *Store) CreateLocalInstance(ctx context.Context, inst model.Instance) error {
	inst.Local = true
	return s.update(ctx, func(txn *badger.Txn) error {
		current, err := getString(txn, key(pfxLocalInstance))
		if err == nil && current != string(inst.ID) {
			return fmt.Errorf("%w: %s", ErrLocalInstanceExists, current)
		}
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		if err := txn.Set(key(pfxLocalInstance), []byte(inst.ID)); err != nil {
			return err
		}
		return putJSON(txn, key(pfxInstance, string(inst.ID)), inst)
	})
}

// LocalInstance returns the local instance.
func (s *Store) LocalInstance(ctx context.Context) (model.Instance, error) {
	var inst model.Instance
	err := s.view(ctx, func(txn *badger.Txn) error {
		id, err := getString(txn, key(pfxLocalInstance))
		if err != nil {
			return fmt.Errorf("read local instance pointer: %w", err)
		}
		inst, err = getJSON[model.Instance](txn, key(pfxInstance, id))
		return err
	})
	return inst, err
}

// UpsertInstance creates or replaces a remote instance. The local flag of an
// existing row is never cleared.
func (s *Store) UpsertInstance(ctx context.Context, inst model.Instance) (model.Instance, error) {
	err := s.update(ctx, func(txn *badger.Txn) error {
		existing, err := getJSON[model.Instance](txn, key(pfxInstance, string(inst.ID)))
		if err == nil && existing.Local {
			inst.Local = true
		} else if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		return putJSON(txn, key(pfxInstance, string(inst.ID)), inst)
	})
	return inst, err
}

// Instance reads an instance by id.
func (s *Store) Instance(ctx context.Context, id model.ObjectID) (model.Instance, error) {
	var inst model.Instance
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		inst, err = getJSON[model.Instance](txn, key(pfxInstance, string(id)))
		return err
	})
	return inst, err
}

// Instances lists every known instance.
func (s *Store) Instances(ctx context.Context) ([]model.Instance, error) {
	var out []model.Instance
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scanJSON[model.Instance](txn, prefix(pfxInstance))
		return err
	})
	return out, err
}

// PutPrivateKey stores the private key of a local actor.
func (s *Store) PutPrivateKey(ctx context.Context, actor model.ObjectID, der []byte) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(key(pfxPrivateKey, string(actor)), der)
	})
}

// PrivateKey reads the private key of a local actor.
func (s *Store) PrivateKey(ctx context.Context, actor model.ObjectID) ([]byte, error) {
	var der []byte
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key(pfxPrivateKey, string(actor)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		der, err = item.ValueCopy(nil)
		return err
	})
	return der, err
}

// UpsertPerson creates or replaces a person. Local persons are also indexed
// by username; local and admin flags of an existing row survive a remote
// refresh.
func (s *Store) UpsertPerson(ctx context.Context, p model.Person) (model.Person, error) {
	err := s.update(ctx, func(txn *badger.Txn) error {
		existing, err := getJSON[model.Person](txn, key(pfxPerson, string(p.ID)))
		if err == nil && existing.Local {
			p.Local = true
			p.Admin = p.Admin || existing.Admin
		} else if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		if p.Local {
			if err := txn.Set(key(pfxLocalPerson, p.Username), []byte(p.ID)); err != nil {
				return err
			}
		}
		return putJSON(txn, key(pfxPerson, string(p.ID)), p)
	})
	return p, err
}

// Person reads a person by id.
func (s *Store) Person(ctx context.Context, id model.ObjectID) (model.Person, error) {
	var p model.Person
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		p, err = getJSON[model.Person](txn, key(pfxPerson, string(id)))
		return err
	})
	return p, err
}

// LocalPersonByName reads a local person by username.
func (s *Store) LocalPersonByName(ctx context.Context, username string) (model.Person, error) {
	var p model.Person
	err := s.view(ctx, func(txn *badger.Txn) error {
		id, err := getString(txn, key(pfxLocalPerson, username))
		if err != nil {
			return err
		}
		p, err = getJSON[model.Person](txn, key(pfxPerson, id))
		return err
	})
	return p, err
}

// PutToken maps the hash of an API token to a local person.
func (s *Store) PutToken(ctx context.Context, tokenHash string, person model.ObjectID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(key(pfxToken, tokenHash), []byte(person))
	})
}

// PersonByToken resolves the person owning an API token hash.
func (s *Store) PersonByToken(ctx context.Context, tokenHash string) (model.Person, error) {
	var p model.Person
	err := s.view(ctx, func(txn *badger.Txn) error {
		id, err := getString(txn, key(pfxToken, tokenHash))
		if err != nil {
			return err
		}
		p, err = getJSON[model.Person](txn, key(pfxPerson, id))
		return err
	})
	return p, err
}

// Stats holds counts of local content.
type Stats struct {
	Users    int
	Articles int
	Comments int
}

// LocalStats counts local users, articles and comments.
func (s *Store) LocalStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.view(ctx, func(txn *badger.Txn) error {
		if err := scan(txn, prefix(pfxLocalPerson), func(k, _ []byte) error {
			if string(k) != string(key(pfxLocalPerson, model.GhostUsername)) {
				st.Users++
			}
			return nil
		}); err != nil {
			return err
		}
		articles, err := scanJSON[model.Article](txn, prefix(pfxArticle))
		if err != nil {
			return err
		}
		for _, a := range articles {
			if a.Local {
				st.Articles++
			}
		}
		comments, err := scanJSON[model.Comment](txn, prefix(pfxComment))
		if err != nil {
			return err
		}
		for _, c := range comments {
			if c.Local && !c.Deleted {
				st.Comments++
			}
		}
		return nil
	})
	return st, err
}
