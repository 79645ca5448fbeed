// Package apierr defines the control plane's stable error taxonomy: a closed
// set of kinds, each bound to an HTTP status and a retry hint, shared by every
// HTTP handler and background task so error handling never hand-rolls status
// codes at the call site.
package apierr

import (
	"encoding/json"
	"net/http"
	"sort"
)

// Kind is one of the seven error kinds the control plane recognizes.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindForbidden  Kind = "unauthorized_route"
	KindBusy       Kind = "busy"
	KindInternal   Kind = "internal"
	KindGone       Kind = "gone"
)

// Meta pins a kind to its HTTP surface and retry semantics.
type Meta struct {
	HTTPStatus int  `json:"http_status"`
	Retryable  bool `json:"retryable"`
}

var registry = map[Kind]Meta{
	KindValidation: {HTTPStatus: http.StatusBadRequest, Retryable: false},
	KindNotFound:   {HTTPStatus: http.StatusNotFound, Retryable: false},
	KindConflict:   {HTTPStatus: http.StatusConflict, Retryable: false},
	KindForbidden:  {HTTPStatus: http.StatusForbidden, Retryable: false},
	KindBusy:       {HTTPStatus: 423, Retryable: true},
	KindInternal:   {HTTPStatus: http.StatusInternalServerError, Retryable: true},
	KindGone:       {HTTPStatus: http.StatusGone, Retryable: false},
}

// MetaFor returns the HTTP metadata for a kind, falling back to internal/500
// for an unrecognized kind rather than panicking.
func MetaFor(k Kind) Meta {
	if m, ok := registry[k]; ok {
		return m
	}
	return registry[KindInternal]
}

// Known reports whether k is part of the closed taxonomy.
func Known(k Kind) bool {
	_, ok := registry[k]
	return ok
}

// List returns all known kinds in a stable sorted order.
func List() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExportJSON returns a stable JSON description of the taxonomy, one row per
// kind in List order.
func ExportJSON() []byte {
	type row struct {
		Kind Kind `json:"kind"`
		Meta Meta `json:"meta"`
	}
	kinds := List()
	rows := make([]row, 0, len(kinds))
	for _, k := range kinds {
		rows = append(rows, row{Kind: k, Meta: registry[k]})
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return []byte("[]")
	}
	return b
}
