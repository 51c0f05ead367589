// Package api exposes external interfaces for submitting attestation runs and
// retrieving proof reports. It currently hosts the REST server and is the
// natural home for future transports such as gRPC or OpenAPI documentation.
package api
