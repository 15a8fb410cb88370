package store

import "errors"

// ErrNotFound is returned for a missing entity. Callers at the transport
// boundary must collapse this (and ErrAccessDenied) into the uniform
// "Not found or access denied" shape spec §4.7/§7 requires — the two are
// never distinguished in a response body.
var ErrNotFound = errors.New("not found")

// ErrAccessDenied names the case where an entity exists but the caller's
// clearance or subscription doesn't permit the operation. No Store method
// returns it: the store reports that case as ErrNotFound.
var ErrAccessDenied = errors.New("access denied")

// ErrDuplicateName names a uniqueness-constraint failure on a project or
// conversation name. No Store method returns it; the schema puts no
// uniqueness constraint on those names.
var ErrDuplicateName = errors.New("duplicate name")
