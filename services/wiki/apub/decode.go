// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apub

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformed is returned for documents that are not valid JSON or
	// miss required fields.
	ErrMalformed = errors.New("malformed activity")
	// ErrUnknownType is returned for activities outside the accepted set.
	ErrUnknownType = errors.New("unknown activity type")
)

var validate = validator.New()

type envelope struct {
	Type   string          `json:"type"`
	Object json.RawMessage `json:"object"`
}

type typed struct {
	Type string `json:"type"`
}

// Decode parses an activity and checks its required fields.
func Decode(data []byte) (Activity, error) {
	return decode(data, true)
}

func decode(data []byte, allowAnnounce bool) (Activity, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var inner typed
	if len(env.Object) > 0 && env.Object[0] == '{' {
		if err := json.Unmarshal(env.Object, &inner); err != nil {
			return nil, fmt.Errorf("%w: object: %w", ErrMalformed, err)
		}
	}

	switch {
	case env.Type == TypeFollow:
		return decodeAs[Follow](data)
	case env.Type == TypeAccept:
		return decodeAs[Accept](data)
	case env.Type == TypeUndo && inner.Type == TypeFollow:
		return decodeAs[UndoFollow](data)
	case env.Type == TypeUndo && inner.Type == TypeRemove:
		return decodeAs[UndoRemoveArticle](data)
	case env.Type == TypeUndo && inner.Type == TypeDelete:
		return decodeAs[UndoDeleteComment](data)
	case env.Type == TypeCreate && inner.Type == TypeArticle:
		return decodeAs[CreateArticle](data)
	case env.Type == TypeUpdate && inner.Type == TypeArticle:
		return decodeAs[UpdateLocalArticle](data)
	case env.Type == TypeUpdate && inner.Type == TypePatch:
		return decodeAs[UpdateRemoteArticle](data)
	case (env.Type == TypeCreate || env.Type == TypeUpdate) && inner.Type == TypeNote:
		return decodeAs[CreateOrUpdateComment](data)
	case env.Type == TypeDelete:
		return decodeAs[DeleteComment](data)
	case env.Type == TypeRemove:
		return decodeAs[RemoveArticle](data)
	case env.Type == TypeReject && inner.Type == TypePatch:
		return decodeAs[RejectEdit](data)
	case env.Type == TypeAnnounce:
		if !allowAnnounce {
			return nil, fmt.Errorf("%w: nested announce", ErrMalformed)
		}
		return decodeAs[Announce](data)
	}
	return nil, fmt.Errorf("%w: %s of %q", ErrUnknownType, env.Type, inner.Type)
}

func decodeAs[T Activity](data []byte) (Activity, error) {
	var a T
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := Validate(a); err != nil {
		return nil, err
	}
	return a, nil
}

// UnmarshalJSON decodes the wrapped activity, which may be any variant
// except another Announce.
func (a *Announce) UnmarshalJSON(data []byte) error {
	var raw struct {
		header
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Object) == 0 {
		return errors.New("announce without object")
	}
	inner, err := decode(raw.Object, false)
	if err != nil {
		return err
	}
	a.header = raw.header
	a.Object = inner
	return nil
}

// Validate checks the required fields of an activity and, for Announce, of
// the wrapped activity.
func Validate(a Activity) error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if ann, ok := a.(Announce); ok {
		if ann.Object == nil {
			return fmt.Errorf("%w: announce without object", ErrMalformed)
		}
		if _, nested := ann.Object.(Announce); nested {
			return fmt.Errorf("%w: nested announce", ErrMalformed)
		}
		return Validate(ann.Object)
	}
	return nil
}

// Encode serializes an activity.
func Encode(a Activity) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.Kind(), err)
	}
	return data, nil
}

// InnerActivity unwraps an Announce. Other activities are returned as is.
func InnerActivity(a Activity) Activity {
	if ann, ok := a.(Announce); ok {
		return ann.Object
	}
	return a
}
