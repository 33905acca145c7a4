// Package internal holds runtime route metadata shared by the relaycore
// package and the devtools introspection endpoints.
package internal

import "reflect"

// MethodMetadata holds runtime metadata for a registered service method.
type MethodMetadata struct {
	Name       string
	Primitive  string // "query", "exec", "stream", or "atom"
	HTTPMethod string
	Request    reflect.Type
	Response   reflect.Type
}

// RouteMap maps route names to their metadata.
type RouteMap map[string]*MethodMetadata
