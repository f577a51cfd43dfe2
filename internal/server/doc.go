// Package server exposes roomhub over HTTP.
//
// It holds the configuration loader, the chi router with the REST endpoints for
// users, rooms and memberships, the WebSocket endpoint that hands upgraded
// connections to the hub, and the HTTP server lifecycle helpers.
package server
