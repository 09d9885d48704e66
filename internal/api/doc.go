// Package api exposes the plugin registry, service registry, service mesh and
// topology engine over a REST interface mounted under /api/v1.
package api
