// Package api exposes the generation pipeline over HTTP. It decodes and
// validates requests, resolves the authenticated caller and maps service
// errors to status codes without leaking internal details.
package api
